package sim

import (
	"math/rand"
	"os"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
	"github.com/kstaniek/can-busoff-sim/internal/trace"
)

// Victim transmits one frame per step: the preceded frame one step before
// each period boundary, the periodic frame on the boundary and a frame from
// the non-periodic pool otherwise.
type Victim struct {
	Node     *fault.Node
	cfg      VictimConfig
	preceded can.Frame
	periodic can.Frame
	pool     []can.Frame
	rng      *rand.Rand
}

// NewVictim builds the victim. Pool frames that reuse the preceded or
// periodic id are skipped so the schedule stays unambiguous.
func NewVictim(cfg VictimConfig, limits fault.Limits, pool []can.Frame, rng *rand.Rand) *Victim {
	v := &Victim{
		Node:     fault.NewNode(cfg.Name, limits),
		cfg:      cfg,
		preceded: can.NewFrame(cfg.PrecededID, make([]byte, cfg.PrecededLen)),
		periodic: can.NewFrame(cfg.PeriodicID, make([]byte, cfg.PeriodicLen)),
		rng:      rng,
	}
	for _, fr := range pool {
		if id := fr.ID(); id != cfg.PrecededID && id != cfg.PeriodicID {
			v.pool = append(v.pool, fr)
		}
	}
	return v
}

// FrameAt returns the frame scheduled at tMS. ok is false for a
// non-periodic slot with an empty pool.
func (v *Victim) FrameAt(tMS int) (fr can.Frame, ok bool) {
	switch {
	case (tMS+v.cfg.StepMS)%v.cfg.PeriodMS == 0:
		return v.preceded, true
	case tMS%v.cfg.PeriodMS == 0:
		return v.periodic, true
	case len(v.pool) == 0:
		return can.Frame{}, false
	default:
		return v.pool[v.rng.Intn(len(v.pool))], true
	}
}

func (v *Victim) Periodic() can.Frame { return v.periodic }
func (v *Victim) Preceded() can.Frame { return v.preceded }

// LoadPool reads the non-periodic pool from a CSV trace, or generates one
// from the built-in catalog when path is empty.
func LoadPool(path string, seed int64) ([]can.Frame, error) {
	if path == "" {
		frames, _, err := trace.NewGenerator(seed).Generate(64)
		return frames, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return trace.ReadAll(f)
}
