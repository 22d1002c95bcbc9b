package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

// RemoteNode names the node that owns frames injected from outside.
const RemoteNode = "remote"

var (
	ErrInjectFull     = errors.New("sim: inject queue full")
	ErrInjectDisabled = errors.New("sim: injection disabled")
)

// RunResult is the outcome of one simulated attack.
type RunResult struct {
	Run          int
	Pattern      bool
	Target       Target
	BusOff       bool
	Attempts     int
	VictimTEC    int
	AttackerTEC  int
	Delivered    int
	VictimMode   fault.Mode
	AttackerMode fault.Mode
}

// Driver owns one engine and its nodes for a single run. It is not safe for
// concurrent use except for Inject.
type Driver struct {
	sc       Scenario
	run      int
	engine   *bus.Engine
	victim   *Victim
	attacker *Attacker
	remote   *fault.Node
	sink     transport.FrameSink
	inject   chan can.Frame
	pace     time.Duration
	logger   *slog.Logger
	engOpts  []bus.Option
	now      int
	sent     int
}

type DriverOption func(*Driver)

// WithSink receives every delivered frame.
func WithSink(s transport.FrameSink) DriverOption { return func(d *Driver) { d.sink = s } }

// WithPace makes every step last at least p of wall-clock time.
func WithPace(p time.Duration) DriverOption { return func(d *Driver) { d.pace = p } }

// WithInjectQueue enables Inject with a queue of n frames.
func WithInjectQueue(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.inject = make(chan can.Frame, n)
		}
	}
}

// WithEngineOptions appends engine options, e.g. observers.
func WithEngineOptions(opts ...bus.Option) DriverOption {
	return func(d *Driver) { d.engOpts = append(d.engOpts, opts...) }
}

func WithRunLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDriver prepares run number run of sc. pool feeds the victim's
// non-periodic slots; seed drives every random choice of the run.
func NewDriver(sc Scenario, run int, pool []can.Frame, seed int64, opts ...DriverOption) (*Driver, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	d := &Driver{sc: sc, run: run, logger: logging.L()}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With("run", run)
	engOpts := append(sc.EngineOptions(), bus.WithLogger(d.logger))
	d.engine = bus.New(append(engOpts, d.engOpts...)...)
	d.victim = NewVictim(sc.Victim, sc.Limits, pool, rand.New(rand.NewSource(seed)))
	d.attacker = NewAttacker(sc.Attack, sc.Limits)
	d.remote = fault.NewNode(RemoteNode, sc.Limits)
	return d, nil
}

func (d *Driver) Victim() *Victim     { return d.victim }
func (d *Driver) Attacker() *Attacker { return d.attacker }
func (d *Driver) Engine() *bus.Engine { return d.engine }

// Inject queues a frame from outside the simulation; it is submitted as the
// remote node at the start of the next step.
func (d *Driver) Inject(fr can.Frame) error {
	if d.inject == nil {
		return ErrInjectDisabled
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %w", bus.ErrInvalidFrame, err)
	}
	select {
	case d.inject <- fr:
		return nil
	default:
		return ErrInjectFull
	}
}

// Run executes both phases and returns the run's outcome. A missing pattern
// is not an error: the result reports Pattern=false.
func (d *Driver) Run(ctx context.Context) (RunResult, error) {
	traffic, err := d.Observe(ctx)
	if err != nil {
		return d.result(), err
	}
	res := d.result()
	target, err := d.attacker.Planner.Analyze(traffic)
	if errors.Is(err, ErrNoPattern) {
		d.logger.Warn("no_pattern", "observed", len(traffic))
		return res, nil
	}
	if err != nil {
		return res, err
	}
	d.logger.Info("pattern_found", "trigger", fmt.Sprintf("0x%X", target.TriggerID),
		"target", fmt.Sprintf("0x%X", target.TargetID), "dlc", target.Pattern.String(), "occurrences", target.Occurrences)
	attempts, err := d.attacker.Execute(ctx, d, target)
	res = d.result()
	res.Pattern = true
	res.Target = target
	res.Attempts = attempts
	if err != nil {
		return res, err
	}
	d.logger.Info("run_complete", "bus_off", res.BusOff, "attempts", attempts,
		"victim_tec", res.VictimTEC, "attacker_tec", res.AttackerTEC, "delivered", res.Delivered)
	return res, nil
}

// Observe runs the victim schedule for DurationMS and returns the delivered
// frames in bus order.
func (d *Driver) Observe(ctx context.Context) ([]can.Frame, error) {
	steps := d.sc.Victim.DurationMS / d.sc.Victim.StepMS
	traffic := make([]can.Frame, 0, steps)
	for range steps {
		fr, ok, err := d.step(ctx, nil)
		if err != nil {
			return traffic, err
		}
		if ok {
			traffic = append(traffic, fr)
		}
	}
	d.logger.Debug("observe_done", "steps", steps, "frames", len(traffic))
	return traffic, nil
}

// submission is an extra frame a node puts on the bus during one step.
type submission struct {
	frame can.Frame
	node  *fault.Node
}

// step advances the clock by one step: injected frames, the victim's
// scheduled frame and extra are submitted and the round is resolved.
func (d *Driver) step(ctx context.Context, extra *submission) (can.Frame, bool, error) {
	if err := ctx.Err(); err != nil {
		return can.Frame{}, false, err
	}
	var tick <-chan time.Time
	if d.pace > 0 {
		t := time.NewTimer(d.pace)
		defer t.Stop()
		tick = t.C
	}
	d.drainInject()
	if d.victim.Node.Mode() != fault.BusOff {
		if fr, ok := d.victim.FrameAt(d.now); ok {
			if err := d.engine.Submit(fr, d.victim.Node); err != nil {
				return can.Frame{}, false, err
			}
		}
	}
	if extra != nil && extra.node.Mode() != fault.BusOff {
		if err := d.engine.Submit(extra.frame, extra.node); err != nil {
			return can.Frame{}, false, err
		}
	}
	d.now += d.sc.Victim.StepMS
	fr, ok := d.engine.Resolve()
	if ok {
		d.sent++
		if d.sink != nil {
			if err := d.sink.SendFrame(fr); err != nil {
				d.logger.Debug("sink_send_error", "error", err)
			}
		}
	}
	if tick != nil {
		select {
		case <-tick:
		case <-ctx.Done():
			return fr, ok, ctx.Err()
		}
	}
	return fr, ok, nil
}

func (d *Driver) drainInject() {
	if d.inject == nil || d.remote.Mode() == fault.BusOff {
		return
	}
	for {
		select {
		case fr := <-d.inject:
			// Validated in Inject.
			_ = d.engine.Submit(fr, d.remote)
		default:
			return
		}
	}
}

func (d *Driver) result() RunResult {
	return RunResult{
		Run:          d.run,
		BusOff:       d.victim.Node.Mode() == fault.BusOff,
		VictimTEC:    d.victim.Node.TEC(),
		AttackerTEC:  d.attacker.Node.TEC(),
		Delivered:    d.sent,
		VictimMode:   d.victim.Node.Mode(),
		AttackerMode: d.attacker.Node.Mode(),
	}
}
