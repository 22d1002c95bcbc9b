package bus

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
)

// Sentinel errors returned by Submit.
var (
	ErrNilNode      = errors.New("bus: nil node")
	ErrInvalidNode  = errors.New("bus: invalid node")
	ErrInvalidFrame = errors.New("bus: invalid frame")
)

// Transmission is a pending entry. Seq identifies it inside the pending set
// so structurally equal frames stay distinct.
type Transmission struct {
	Seq   uint64
	Frame can.Frame
	Flag  can.FlagKind
	Node  *fault.Node
}

// Engine resolves one bus round per Resolve call. It is single-threaded:
// callers own the Engine and the nodes they submit for the duration of a run.
type Engine struct {
	pending      []Transmission
	nextSeq      uint64
	round        uint64
	field        Field
	cleanPenalty bool
	observers    []Observer
	logger       *slog.Logger
}

type Option func(*Engine)

// WithTieBreak selects the field compared between entries with equal ids.
func WithTieBreak(f Field) Option { return func(e *Engine) { e.field = f } }

// WithCleanCollisionPenalty controls whether the nominal winner is charged a
// transmit error on collisions that raised no error flag.
func WithCleanCollisionPenalty(on bool) Option { return func(e *Engine) { e.cleanPenalty = on } }

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		field:        FieldDLC,
		cleanPenalty: true,
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Submit queues a frame from node for the current round.
func (e *Engine) Submit(fr can.Frame, n *fault.Node) error {
	if n == nil {
		return ErrNilNode
	}
	if err := n.Limits().Validate(); err != nil {
		return fmt.Errorf("%w: node %q: %w", ErrInvalidNode, n.Name(), err)
	}
	if err := fr.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	e.push(fr, can.FlagNone, n)
	return nil
}

// Pending returns the number of entries awaiting resolution.
func (e *Engine) Pending() int { return len(e.pending) }

// Round returns the number of resolutions that processed at least one entry.
func (e *Engine) Round() uint64 { return e.round }

// Reset drops every pending entry without touching any counter.
func (e *Engine) Reset() { e.pending = e.pending[:0] }

// Resolve settles the current round and returns the delivered frame. ok is
// false when nothing was pending.
func (e *Engine) Resolve() (fr can.Frame, ok bool) {
	switch len(e.pending) {
	case 0:
		return can.Frame{}, false
	case 1:
		e.round++
		t := e.pending[0]
		e.pending = e.pending[:0]
		e.decrement(t.Node)
		e.delivered(t)
		return t.Frame, true
	default:
		e.round++
		return e.resolveCollision(), true
	}
}

func (e *Engine) resolveCollision() can.Frame {
	e.emit(Event{Kind: EventCollision, Contenders: len(e.pending)})
	e.logger.Debug("bus_collision", "round", e.round, "contenders", len(e.pending))

	slices.SortStableFunc(e.pending, func(a, b Transmission) int {
		return cmp.Compare(a.Frame.ID(), b.Frame.ID())
	})
	nominal := e.pending[0]
	actual, errFound := e.arbitrate(nominal)
	if errFound {
		e.bitError(nominal, actual)
	}
	raised := false
	if errFound {
		e.raise(flagFor(nominal.Node), nominal)
		raised = true
	}
	if e.activeFlagPending() {
		e.increment(actual.Node, ReasonCorrupted)
	}

	// Retransmission: every active flag forces another attempt until the
	// nominal winner can only signal recessively.
	for e.activeFlagPending() {
		e.pending = slices.DeleteFunc(e.pending, func(t Transmission) bool { return t.Flag == can.FlagActive })
		actual, errFound = e.arbitrate(nominal)
		if errFound {
			e.bitError(nominal, actual)
			e.raise(flagFor(nominal.Node), nominal)
		}
		if e.activeFlagPending() {
			e.increment(actual.Node, ReasonCorrupted)
		}
	}

	if raised || e.cleanPenalty {
		e.increment(nominal.Node, ReasonFlagPenalty)
	}

	if i := slices.IndexFunc(e.pending, func(t Transmission) bool { return t.Seq == actual.Seq }); i >= 0 {
		e.pending = slices.Delete(e.pending, i, i+1)
	}
	e.decrement(actual.Node)
	e.pending = e.pending[:0]
	e.decrement(nominal.Node)
	e.delivered(actual)
	return actual.Frame
}

func (e *Engine) push(fr can.Frame, flag can.FlagKind, n *fault.Node) {
	e.nextSeq++
	e.pending = append(e.pending, Transmission{Seq: e.nextSeq, Frame: fr, Flag: flag, Node: n})
}

// raise puts an error flag from t's node on the bus. Only active flags cost
// the sender a transmit error.
func (e *Engine) raise(kind can.FlagKind, t Transmission) {
	e.push(can.Frame{}, kind, t.Node)
	e.emit(Event{Kind: EventErrorFlag, Node: t.Node.Name(), CANID: t.Frame.ID(), Flag: kind, Mode: t.Node.Mode()})
	e.logger.Debug("bus_error_flag", "round", e.round, "node", t.Node.Name(), "flag", kind.String(), "mode", t.Node.Mode().String())
	if kind == can.FlagActive {
		e.increment(t.Node, ReasonFlagRaised)
	}
}

// flagFor picks the flag a node can drive: only error-active nodes may assert
// the dominant flag, passive and bus-off nodes fall back to the recessive one.
func flagFor(n *fault.Node) can.FlagKind {
	if n.Mode() == fault.ErrorActive {
		return can.FlagActive
	}
	return can.FlagPassive
}

func (e *Engine) activeFlagPending() bool {
	return slices.ContainsFunc(e.pending, func(t Transmission) bool { return t.Flag == can.FlagActive })
}

func (e *Engine) bitError(nominal, actual Transmission) {
	e.emit(Event{Kind: EventBitError, Node: actual.Node.Name(), CANID: actual.Frame.ID()})
	e.logger.Debug("bus_bit_error", "round", e.round, "can_id", fmt.Sprintf("0x%X", actual.Frame.ID()),
		"nominal", nominal.Node.Name(), "actual", actual.Node.Name(), "field", e.field.String())
}

func (e *Engine) increment(n *fault.Node, why Reason) {
	before, mode := n.TEC(), n.Mode()
	n.Increment(true)
	e.counter(n, why, before, mode)
}

func (e *Engine) decrement(n *fault.Node) {
	before, mode := n.TEC(), n.Mode()
	n.Decrement()
	e.counter(n, ReasonDelivered, before, mode)
}

func (e *Engine) counter(n *fault.Node, why Reason, before int, prev fault.Mode) {
	e.emit(Event{Kind: EventCounter, Node: n.Name(), Reason: why, TECBefore: before, TECAfter: n.TEC(), Mode: n.Mode()})
	if prev == n.Mode() {
		return
	}
	e.emit(Event{Kind: EventModeChange, Node: n.Name(), TECBefore: before, TECAfter: n.TEC(), PrevMode: prev, Mode: n.Mode()})
	e.logger.Info("node_mode_change", "round", e.round, "node", n.Name(), "from", prev.String(), "to", n.Mode().String(), "tec", n.TEC())
}

func (e *Engine) delivered(t Transmission) {
	e.emit(Event{Kind: EventDelivered, Node: t.Node.Name(), CANID: t.Frame.ID(), TECAfter: t.Node.TEC(), Mode: t.Node.Mode()})
	e.logger.Debug("bus_delivered", "round", e.round, "node", t.Node.Name(), "can_id", fmt.Sprintf("0x%X", t.Frame.ID()))
}

func (e *Engine) emit(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	ev.Round = e.round
	for _, o := range e.observers {
		o(ev)
	}
}
