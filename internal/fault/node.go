package fault

// Mode is the fault confinement state of a node.
type Mode uint8

const (
	ErrorActive Mode = iota
	ErrorPassive
	BusOff
)

func (m Mode) String() string {
	switch m {
	case ErrorActive:
		return "error_active"
	case ErrorPassive:
		return "error_passive"
	case BusOff:
		return "bus_off"
	default:
		return "unknown"
	}
}

// Node is one bus participant. Its counters change only through Increment
// and Decrement; Mode is derived from TEC after every change. BusOff is
// terminal: a node that reached it keeps its counters for the rest of the run.
//
// A Node is not safe for concurrent use; each simulation run owns its nodes.
type Node struct {
	name   string
	limits Limits
	tec    int
	rec    int
	mode   Mode

	onModeChange func(from, to Mode)
}

// NewNode creates an error-active node with zeroed counters.
func NewNode(name string, limits Limits) *Node {
	return &Node{name: name, limits: limits}
}

func (n *Node) Name() string   { return n.name }
func (n *Node) TEC() int       { return n.tec }
func (n *Node) REC() int       { return n.rec }
func (n *Node) Mode() Mode     { return n.mode }
func (n *Node) Limits() Limits { return n.limits }

// OnModeChange registers a callback fired after every mode transition.
func (n *Node) OnModeChange(fn func(from, to Mode)) { n.onModeChange = fn }

// Increment records an error. Transmit errors add TxErrorStep to TEC, receive
// errors add RxErrorStep to REC.
func (n *Node) Increment(isTransmitError bool) {
	if n.mode == BusOff {
		return
	}
	if isTransmitError {
		n.tec += n.limits.TxErrorStep
	} else {
		n.rec += n.limits.RxErrorStep
	}
	n.update()
}

// Decrement records a successful delivery attributed to the node.
func (n *Node) Decrement() {
	if n.mode == BusOff {
		return
	}
	n.tec = max(0, n.tec-n.limits.SuccessStep)
	n.rec = max(0, n.rec-n.limits.SuccessStep)
	n.update()
}

func (n *Node) update() {
	next := n.limits.ModeFor(n.tec)
	if next == n.mode {
		return
	}
	prev := n.mode
	n.mode = next
	if n.onModeChange != nil {
		n.onModeChange(prev, next)
	}
}
