package sim

import (
	"context"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
)

// Attacker waits for the trigger frame on the bus and answers the following
// step with a crafted copy of the target frame.
type Attacker struct {
	Node        *fault.Node
	Planner     Planner
	MaxAttempts int
}

func NewAttacker(cfg AttackConfig, limits fault.Limits) *Attacker {
	return &Attacker{Node: fault.NewNode(cfg.Name, limits), MaxAttempts: cfg.MaxAttempts}
}

// Execute keeps stepping the driver until the victim is bus-off, the
// attacker itself is bus-off or MaxAttempts injections were made. It returns
// the number of injections.
func (a *Attacker) Execute(ctx context.Context, d *Driver, target Target) (int, error) {
	crafted, err := a.Planner.Craft(target.Template)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("attack_start", "crafted_dlc", crafted.DLCPattern().String(), "victim_dlc", target.Pattern.String())
	attempts := 0
	armed := false
	for attempts < a.MaxAttempts {
		if d.victim.Node.Mode() == fault.BusOff || a.Node.Mode() == fault.BusOff {
			break
		}
		var extra *submission
		if armed {
			extra = &submission{frame: crafted, node: a.Node}
			attempts++
		}
		fr, ok, err := d.step(ctx, extra)
		if err != nil {
			return attempts, err
		}
		armed = ok && isTrigger(fr, target)
	}
	return attempts, nil
}

func isTrigger(fr can.Frame, t Target) bool { return fr.ID() == t.TriggerID }
