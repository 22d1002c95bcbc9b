package bus

import (
	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/fault"
)

// EventKind classifies entries of the engine's event stream.
type EventKind uint8

const (
	EventCollision EventKind = iota + 1
	EventBitError
	EventErrorFlag
	EventCounter
	EventModeChange
	EventDelivered
)

func (k EventKind) String() string {
	switch k {
	case EventCollision:
		return "collision"
	case EventBitError:
		return "bit_error"
	case EventErrorFlag:
		return "error_flag"
	case EventCounter:
		return "counter"
	case EventModeChange:
		return "mode_change"
	case EventDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Reason explains a counter change.
type Reason string

const (
	ReasonFlagRaised  Reason = "flag_raised"  // node asserted an active error flag
	ReasonCorrupted   Reason = "corrupted"    // node saw its frame destroyed by an active flag
	ReasonFlagPenalty Reason = "flag_penalty" // nominal winner after escalation ended
	ReasonDelivered   Reason = "delivered"    // successful delivery credited to the node
)

// Event is one observable step of a resolution. Fields not relevant to Kind
// are zero.
type Event struct {
	Round      uint64
	Kind       EventKind
	Node       string
	CANID      uint32
	Flag       can.FlagKind
	Contenders int
	Reason     Reason
	TECBefore  int
	TECAfter   int
	Mode       fault.Mode
	PrevMode   fault.Mode
}

// Observer consumes engine events synchronously from inside Resolve.
type Observer func(Event)
