package can

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPatternWidth bounds Pattern.Width to the storage size.
const MaxPatternWidth = 32

var ErrInvalidPattern = errors.New("can: invalid bit pattern")

// Pattern is a fixed-width bit field as it appears on the wire, most
// significant bit first. A 0 bit is dominant, a 1 bit recessive.
type Pattern struct {
	Bits  uint32
	Width uint8
}

// ParsePattern parses a textual pattern such as "0110".
func ParsePattern(s string) (Pattern, error) {
	if s == "" || len(s) > MaxPatternWidth {
		return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, s)
	}
	var p Pattern
	for _, c := range s {
		p.Bits <<= 1
		switch c {
		case '0':
		case '1':
			p.Bits |= 1
		default:
			return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidPattern, s)
		}
	}
	p.Width = uint8(len(s))
	return p, nil
}

// MustPattern is ParsePattern that panics; for tables and tests.
func MustPattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Bit returns the bit at position i counting from the most significant end.
func (p Pattern) Bit(i int) uint8 {
	return uint8(p.Bits>>(int(p.Width)-1-i)) & 1
}

// Dominant reports whether bit i is a 0.
func (p Pattern) Dominant(i int) bool { return p.Bit(i) == 0 }

func (p Pattern) String() string {
	var b strings.Builder
	for i := 0; i < int(p.Width); i++ {
		b.WriteByte('0' + p.Bit(i))
	}
	return b.String()
}

// FirstDifference returns the first position at which p and q disagree,
// comparing up to the shorter width. ok is false when no bit differs.
func (p Pattern) FirstDifference(q Pattern) (pos int, ok bool) {
	n := int(min(p.Width, q.Width))
	for i := 0; i < n; i++ {
		if p.Bit(i) != q.Bit(i) {
			return i, true
		}
	}
	return 0, false
}
