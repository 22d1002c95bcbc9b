package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// FuzzCodecDecode ensures the decoder never panics and every decoded frame is valid.
func FuzzCodecDecode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]can.Frame{mkFrame(0x100, 0)}))
	f.Add(c.Encode([]can.Frame{mkFrame(0x300, 3), mkFrame(0x301, 5)}))
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(fr can.Frame) {
			if fr.Len > can.MaxLen {
				t.Fatalf("decoded oversize frame len=%d", fr.Len)
			}
		})
	})
}
