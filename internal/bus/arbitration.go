package bus

import (
	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// Field selects which part of the frame breaks ties between equal ids.
type Field uint8

const (
	FieldDLC Field = iota
	FieldID
)

func (f Field) String() string {
	if f == FieldID {
		return "id"
	}
	return "dlc"
}

func (f Field) pattern(fr can.Frame) can.Pattern {
	if f == FieldID {
		return fr.IDPattern()
	}
	return fr.DLCPattern()
}

// arbitrate scans the data entries sharing ref's id and returns the entry
// that physically holds the bus. At the first differing bit of each pair a
// dominant candidate against a recessive reference is a bit error and the
// candidate becomes the reference.
func (e *Engine) arbitrate(ref Transmission) (Transmission, bool) {
	errFound := false
	for _, t := range e.pending {
		if t.Flag != can.FlagNone || t.Frame.ID() != ref.Frame.ID() {
			continue
		}
		cand, cur := e.field.pattern(t.Frame), e.field.pattern(ref.Frame)
		pos, ok := cand.FirstDifference(cur)
		if ok && cand.Dominant(pos) && !cur.Dominant(pos) {
			errFound = true
			ref = t
		}
	}
	return ref, errFound
}
