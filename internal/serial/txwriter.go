package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/metrics"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter replays delivered frames to a serial adapter from one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	codec := Codec{}
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSinkTx(metrics.SinkSerial) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Stats reports sent, failed and dropped frame counts.
func (w *TXWriter) Stats() transport.TxStats { return w.base.Stats() }

// Close flushes queued frames and waits for the writer goroutine.
func (w *TXWriter) Close() { w.base.Close() }
