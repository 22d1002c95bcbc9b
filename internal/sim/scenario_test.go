package sim

import (
	"errors"
	"strings"
	"testing"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
)

func TestParseScenario_OverlaysDefaults(t *testing.T) {
	in := `
name: fast
tie_break: id
limits:
  bus_off_threshold: 512
victim:
  periodic_id: 0x2a0
  periodic_len: 7
runs: 50
workers: 4
`
	sc, err := ParseScenario(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sc.Name != "fast" || sc.Runs != 50 || sc.Workers != 4 {
		t.Fatalf("top-level fields not applied: %+v", sc)
	}
	if sc.Limits.BusOffThreshold != 512 || sc.Limits.TxErrorStep != 8 || sc.Limits.PassiveThreshold != 128 {
		t.Fatalf("limits overlay failed: %+v", sc.Limits)
	}
	if sc.Victim.PeriodicID != 0x2A0 || sc.Victim.PeriodicLen != 7 || sc.Victim.StepMS != 100 || sc.Victim.PrecededID != 0x110 {
		t.Fatalf("victim overlay failed: %+v", sc.Victim)
	}
	if f, _ := ParseField(sc.TieBreak); f != bus.FieldID {
		t.Fatalf("tie break not applied: %q", sc.TieBreak)
	}
	if len(sc.EngineOptions()) != 2 {
		t.Fatalf("expected engine options")
	}
}

func TestParseScenario_EmptyIsDefault(t *testing.T) {
	sc, err := ParseScenario(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sc != DefaultScenario() {
		t.Fatalf("empty document should yield defaults: %+v", sc)
	}
}

func TestParseScenario_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseScenario(strings.NewReader("victim:\n  stepms: 10\n"))
	if !errors.Is(err, ErrInvalidScenario) {
		t.Fatalf("expected ErrInvalidScenario got %v", err)
	}
}

func TestScenario_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Scenario)
	}{
		{"limits", func(s *Scenario) { s.Limits.PassiveThreshold = 300 }},
		{"tieBreak", func(s *Scenario) { s.TieBreak = "crc" }},
		{"step", func(s *Scenario) { s.Victim.StepMS = 0 }},
		{"periodMultiple", func(s *Scenario) { s.Victim.PeriodMS = 450 }},
		{"periodShort", func(s *Scenario) { s.Victim.PeriodMS = 100 }},
		{"sameIDs", func(s *Scenario) { s.Victim.PrecededID = s.Victim.PeriodicID }},
		{"len", func(s *Scenario) { s.Victim.PeriodicLen = 9 }},
		{"periodicLenZero", func(s *Scenario) { s.Victim.PeriodicLen = 0 }},
		{"names", func(s *Scenario) { s.Attack.Name = s.Victim.Name }},
		{"attempts", func(s *Scenario) { s.Attack.MaxAttempts = 0 }},
		{"runs", func(s *Scenario) { s.Runs = 0 }},
		{"workers", func(s *Scenario) { s.Workers = 0 }},
		{"id", func(s *Scenario) { s.Victim.PeriodicID = 0x3FFFFFFF }},
	}
	for _, tc := range tests {
		sc := DefaultScenario()
		tc.mod(&sc)
		if err := sc.Validate(); !errors.Is(err, ErrInvalidScenario) {
			t.Fatalf("%s: expected ErrInvalidScenario got %v", tc.name, err)
		}
	}
	if err := DefaultScenario().Validate(); err != nil {
		t.Fatalf("default scenario invalid: %v", err)
	}
}

func TestScenario_MarshalRoundTrip(t *testing.T) {
	sc := DefaultScenario()
	sc.Runs = 12
	b, err := sc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := ParseScenario(strings.NewReader(string(b)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back != sc {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, sc)
	}
}
