package serial

import (
	"encoding/binary"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// UART envelope bytes of the serial CAN adapter.
const (
	preamble0 = 0x2D
	preamble1 = 0xD4
	insSend   = 2 // CAN UART SEND WITH EXT ID
)

// Codec encodes frames for a UART CAN adapter.
type Codec struct{}

// envelope wraps data as [0x2D, 0xD4, len+1, data..., checksum] with
// checksum = 0x2D + (len+1) + sum(data) (mod 256).
func envelope(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, preamble0, preamble1, byte(len(data)+1))
	sum := byte(preamble0) + byte(len(data)+1)
	for _, b := range data {
		sum += b
	}
	out = append(out, data...)
	return append(out, sum)
}

// Encode builds the adapter command: INS, FLAGS|DLC, 4-byte BE id, payload.
func (Codec) Encode(f can.Frame) []byte {
	cmd := make([]byte, 0, 6+can.MaxLen)
	cmd = append(cmd, insSend, 0x80|f.Len)
	cmd = binary.BigEndian.AppendUint32(cmd, f.ID())
	cmd = append(cmd, f.Payload()...)
	return envelope(cmd)
}
