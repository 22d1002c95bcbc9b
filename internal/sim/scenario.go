// Package sim drives victim and attacker nodes over the arbitration engine:
// it observes victim traffic, plans a bus-off attack from it and executes
// the attack, once or as a batch of independent runs.
package sim

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
)

var ErrInvalidScenario = errors.New("sim: invalid scenario")

// VictimConfig describes the victim's transmit schedule.
type VictimConfig struct {
	Name        string `yaml:"name"`
	StepMS      int    `yaml:"step_ms"`
	DurationMS  int    `yaml:"duration_ms"`
	PeriodMS    int    `yaml:"period_ms"`
	PrecededID  uint32 `yaml:"preceded_id"`
	PrecededLen uint8  `yaml:"preceded_len"`
	PeriodicID  uint32 `yaml:"periodic_id"`
	PeriodicLen uint8  `yaml:"periodic_len"`
	// Trace is an optional CSV log supplying the non-periodic frames.
	Trace string `yaml:"trace"`
}

type AttackConfig struct {
	Name        string `yaml:"name"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Scenario is the full description of an experiment.
type Scenario struct {
	Name                  string       `yaml:"name"`
	Limits                fault.Limits `yaml:"limits"`
	TieBreak              string       `yaml:"tie_break"`
	CleanCollisionPenalty bool         `yaml:"clean_collision_penalty"`
	Victim                VictimConfig `yaml:"victim"`
	Attack                AttackConfig `yaml:"attack"`
	Runs                  int          `yaml:"runs"`
	Workers               int          `yaml:"workers"`
	Seed                  int64        `yaml:"seed"`
}

// DefaultScenario mirrors the classic experiment: 100 ms steps over ten
// seconds, a 500 ms periodic frame with DLC 0110 announced by a preceding
// frame, ISO fault confinement limits.
func DefaultScenario() Scenario {
	return Scenario{
		Name:                  "busoff",
		Limits:                fault.DefaultLimits(),
		TieBreak:              "dlc",
		CleanCollisionPenalty: true,
		Victim: VictimConfig{
			Name:        "victim",
			StepMS:      100,
			DurationMS:  10000,
			PeriodMS:    500,
			PrecededID:  0x110,
			PrecededLen: 8,
			PeriodicID:  0x173,
			PeriodicLen: 6,
		},
		Attack: AttackConfig{
			Name:        "attacker",
			MaxAttempts: 200,
		},
		Runs:    1,
		Workers: 1,
		Seed:    1,
	}
}

// ParseScenario decodes YAML on top of DefaultScenario, so a file only
// needs the fields it changes. Unknown keys are rejected.
func ParseScenario(r io.Reader) (Scenario, error) {
	sc := DefaultScenario()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

func LoadScenario(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, err
	}
	defer func() { _ = f.Close() }()
	return ParseScenario(f)
}

// Marshal renders the scenario as YAML, e.g. to print the effective config.
func (s Scenario) Marshal() ([]byte, error) { return yaml.Marshal(s) }

func (s Scenario) Validate() error {
	if err := s.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if _, err := ParseField(s.TieBreak); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	v := s.Victim
	switch {
	case v.StepMS <= 0 || v.PeriodMS <= 0 || v.DurationMS <= 0:
		return fmt.Errorf("%w: step, period and duration must be > 0", ErrInvalidScenario)
	case v.PeriodMS%v.StepMS != 0:
		return fmt.Errorf("%w: period %dms is not a multiple of step %dms", ErrInvalidScenario, v.PeriodMS, v.StepMS)
	case v.PeriodMS < 2*v.StepMS:
		return fmt.Errorf("%w: period must hold at least two steps", ErrInvalidScenario)
	case v.PrecededID == v.PeriodicID:
		return fmt.Errorf("%w: preceded and periodic ids must differ", ErrInvalidScenario)
	case v.PrecededLen > can.MaxLen || v.PeriodicLen > can.MaxLen:
		return fmt.Errorf("%w: frame length > %d", ErrInvalidScenario, can.MaxLen)
	case v.PeriodicLen == 0:
		return fmt.Errorf("%w: periodic_len 0 has no recessive dlc bit to attack", ErrInvalidScenario)
	case v.Name == "" || s.Attack.Name == "" || v.Name == s.Attack.Name:
		return fmt.Errorf("%w: victim and attacker need distinct names", ErrInvalidScenario)
	case s.Attack.MaxAttempts <= 0:
		return fmt.Errorf("%w: max_attempts must be > 0", ErrInvalidScenario)
	case s.Runs <= 0 || s.Workers <= 0:
		return fmt.Errorf("%w: runs and workers must be > 0", ErrInvalidScenario)
	}
	for _, id := range []uint32{v.PrecededID, v.PeriodicID} {
		if id > can.CAN_EFF_MASK {
			return fmt.Errorf("%w: id 0x%X: %w", ErrInvalidScenario, id, can.ErrInvalidID)
		}
	}
	return nil
}

// ParseField maps the tie_break setting to the engine field.
func ParseField(s string) (bus.Field, error) {
	switch s {
	case "", "dlc":
		return bus.FieldDLC, nil
	case "id":
		return bus.FieldID, nil
	default:
		return bus.FieldDLC, fmt.Errorf("unknown tie_break %q (want dlc|id)", s)
	}
}

// EngineOptions translates the scenario into engine options.
func (s Scenario) EngineOptions() []bus.Option {
	f, _ := ParseField(s.TieBreak)
	return []bus.Option{bus.WithTieBreak(f), bus.WithCleanCollisionPenalty(s.CleanCollisionPenalty)}
}
