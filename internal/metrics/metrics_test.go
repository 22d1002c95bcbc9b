package metrics

import (
	"testing"

	"github.com/kstaniek/can-busoff-sim/internal/bus"
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveEvent_FromAttackRound(t *testing.T) {
	before := Snap()
	flagsBefore := testutil.ToFloat64(BusErrorFlags.WithLabelValues("active"))

	v := fault.NewNode("victim", fault.DefaultLimits())
	a := fault.NewNode("attacker", fault.DefaultLimits())
	e := bus.New(bus.WithLogger(logging.Discard()), bus.WithObserver(ObserveEvent))
	_ = e.Submit(can.NewFrame(20, make([]byte, 6)), v)
	_ = e.Submit(can.NewFrame(20, make([]byte, 4)), a)
	e.Resolve()

	after := Snap()
	if after.Collisions-before.Collisions != 1 {
		t.Fatalf("collisions delta %d", after.Collisions-before.Collisions)
	}
	if after.Delivered-before.Delivered != 1 || after.Rounds-before.Rounds != 1 {
		t.Fatalf("delivered delta %d rounds delta %d", after.Delivered-before.Delivered, after.Rounds-before.Rounds)
	}
	if after.ActiveFlags-before.ActiveFlags != 16 || after.PassiveFlags-before.PassiveFlags != 1 {
		t.Fatalf("flags active=%d passive=%d", after.ActiveFlags-before.ActiveFlags, after.PassiveFlags-before.PassiveFlags)
	}
	if got := testutil.ToFloat64(BusErrorFlags.WithLabelValues("active")) - flagsBefore; got != 16 {
		t.Fatalf("prometheus active flags delta %v", got)
	}
	if got := testutil.ToFloat64(NodeTEC.WithLabelValues("victim")); got != 135 {
		t.Fatalf("victim tec gauge %v", got)
	}
}

func TestIncRun_Outcomes(t *testing.T) {
	busOff := testutil.ToFloat64(SimRuns.WithLabelValues("bus_off"))
	IncRun(true)
	IncRun(false)
	if got := testutil.ToFloat64(SimRuns.WithLabelValues("bus_off")) - busOff; got != 1 {
		t.Fatalf("bus_off runs delta %v", got)
	}
}

func TestReadiness(t *testing.T) {
	t.Cleanup(func() { SetReadinessFunc(nil) })
	if !IsReady() {
		t.Fatalf("unset readiness must report ready")
	}
	SetReadinessFunc(func() bool { return false })
	if IsReady() {
		t.Fatalf("readiness func ignored")
	}
}
