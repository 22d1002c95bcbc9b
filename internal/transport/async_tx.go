package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// ErrAsyncTxClosed is returned by SendFrame after Close.
var ErrAsyncTxClosed = errors.New("async tx closed")

// TxStats counts what happened to frames handed to an AsyncTx.
type TxStats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// AsyncTx replays frames onto a slow device from a single goroutine.
// SendFrame never blocks: with a full queue it calls Hooks.OnDrop and returns
// its error, so a stalled sink cannot slow the simulation clock. Close
// drains what is already queued unless the parent context is cancelled.
//
//	a := NewAsyncTx(ctx, buf, sendFn, hooks)
//	a.SendFrame(frame)
//	a.Close()
type AsyncTx struct {
	mu     sync.Mutex
	queue  chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool

	sent, failed, dropped atomic.Uint64
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send fails; the frame is not retried.
	OnError func(error)
	// OnAfter is called after each successful send.
	OnAfter func()
	// OnDrop is called when the queue is full; its returned error is returned
	// from SendFrame. If nil, the overflow is silent.
	OnDrop func() error
}

// NewAsyncTx starts the replay goroutine with a queue of size buf.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		queue:  make(chan can.Frame, buf),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		send:   send,
		hooks:  hooks,
	}
	go a.loop()
	return a
}

func (a *AsyncTx) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case fr, ok := <-a.queue:
			if !ok {
				return
			}
			a.deliver(fr)
		}
	}
}

func (a *AsyncTx) deliver(fr can.Frame) {
	if err := a.send(fr); err != nil {
		a.failed.Add(1)
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	a.sent.Add(1)
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// SendFrame queues a frame or returns the drop error if the queue is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.queue <- fr:
		return nil
	default:
		a.dropped.Add(1)
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Stats returns the counters accumulated so far.
func (a *AsyncTx) Stats() TxStats {
	return TxStats{Sent: a.sent.Load(), Failed: a.failed.Load(), Dropped: a.dropped.Load()}
}

// Close stops accepting frames, flushes the queue and waits for the worker.
func (a *AsyncTx) Close() {
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		<-a.done
		return
	}
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	a.cancel()
}
