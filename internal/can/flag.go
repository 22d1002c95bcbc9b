package can

// FlagKind tags a pending entry as data or as one of the two error flags.
type FlagKind uint8

const (
	FlagNone FlagKind = iota
	// FlagActive is the dominant all-zero flag; it disrupts the bus.
	FlagActive
	// FlagPassive is the recessive all-one flag; other nodes can override it.
	FlagPassive
)

func (k FlagKind) String() string {
	switch k {
	case FlagActive:
		return "active"
	case FlagPassive:
		return "passive"
	default:
		return "none"
	}
}

// Pattern returns the six-bit flag as driven on the wire.
func (k FlagKind) Pattern() Pattern {
	switch k {
	case FlagActive:
		return Pattern{Bits: 0x00, Width: 6}
	case FlagPassive:
		return Pattern{Bits: 0x3F, Width: 6}
	default:
		return Pattern{}
	}
}
