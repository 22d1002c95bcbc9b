//go:build linux

package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/metrics"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

// Dev is the minimal interface needed by TXWriter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter replays delivered frames onto a SocketCAN interface from one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a SocketCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: func() { metrics.IncSinkTx(metrics.SinkSocketCAN) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame for asynchronous device write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Stats reports sent, failed and dropped frame counts.
func (w *TXWriter) Stats() transport.TxStats { return w.base.Stats() }

// Close flushes queued frames and waits for the writer goroutine.
func (w *TXWriter) Close() { w.base.Close() }
