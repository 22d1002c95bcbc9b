package can

import "errors"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

var (
	ErrInvalidID     = errors.New("can: invalid identifier")
	ErrInvalidLength = errors.New("can: invalid data length")
)

// Frame is a classic CAN frame contending for the simulated bus.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN; ID()
// strips them. Len is the payload length and doubles as the DLC field that
// DLCPattern exposes for the post-arbitration tie-break.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// NewFrame builds a standard or extended frame from an id and payload.
// Ids above the 11-bit range get the EFF flag.
func NewFrame(id uint32, payload []byte) Frame {
	var f Frame
	f.CANID = id
	if id > CAN_SFF_MASK {
		f.CANID = (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	}
	n := len(payload)
	if n > MaxLen {
		n = MaxLen
	}
	f.Len = uint8(n)
	copy(f.Data[:], payload[:n])
	return f
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// ID returns the arbitration identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }

// Validate returns an error if the frame cannot be put on a classic bus.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return ErrInvalidLength
	}
	raw := f.CANID &^ (CAN_EFF_FLAG | CAN_RTR_FLAG | CAN_ERR_FLAG)
	if f.Extended() {
		if raw > CAN_EFF_MASK {
			return ErrInvalidID
		}
	} else if raw > CAN_SFF_MASK {
		return ErrInvalidID
	}
	return nil
}

// DLCPattern returns the 4-bit data length code.
func (f Frame) DLCPattern() Pattern { return Pattern{Bits: uint32(f.Len) & 0xF, Width: 4} }

// IDPattern returns the identifier as an 11 or 29-bit pattern.
func (f Frame) IDPattern() Pattern {
	if f.Extended() {
		return Pattern{Bits: f.ID(), Width: 29}
	}
	return Pattern{Bits: f.ID(), Width: 11}
}
