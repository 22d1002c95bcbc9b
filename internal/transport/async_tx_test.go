package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestAsyncTx_DeliversAndCallsHooks(t *testing.T) {
	var sent, after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(can.Frame) error { sent.Add(1); return nil },
		Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.SendFrame(can.NewFrame(uint32(i), nil)); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	waitFor(t, func() bool { return sent.Load() == 3 && after.Load() == 3 })
}

func TestAsyncTx_OverflowReturnsDropError(t *testing.T) {
	var drops atomic.Int64
	release := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func(can.Frame) error { <-release; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)
	// First frame is picked up by the blocked worker, second fills the buffer.
	_ = ax.SendFrame(can.Frame{})
	waitFor(t, func() bool { return len(ax.queue) == 0 })
	_ = ax.SendFrame(can.Frame{})
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 || ax.Stats().Dropped != 1 {
		t.Fatalf("expected 1 drop, got %d (stats %+v)", drops.Load(), ax.Stats())
	}
}

func TestAsyncTx_CloseFlushesQueue(t *testing.T) {
	var sent atomic.Int64
	release := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 8, func(can.Frame) error { <-release; sent.Add(1); return nil }, Hooks{})
	for i := 0; i < 5; i++ {
		if err := ax.SendFrame(can.NewFrame(uint32(i), nil)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	close(release)
	ax.Close()
	if sent.Load() != 5 {
		t.Fatalf("expected queued frames flushed on close, sent %d", sent.Load())
	}
	if st := ax.Stats(); st.Sent != 5 || st.Failed != 0 || st.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestAsyncTx_CancelAbandonsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	ax := NewAsyncTx(ctx, 8, func(can.Frame) error { <-block; return nil }, Hooks{})
	for i := 0; i < 4; i++ {
		_ = ax.SendFrame(can.Frame{})
	}
	cancel()
	close(block)
	ax.Close()
	if st := ax.Stats(); st.Sent > 4 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestAsyncTx_SendErrorHook(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(can.Frame) error { return errSendFail },
		Hooks{OnError: func(error) { errs.Add(1) }})
	_ = ax.SendFrame(can.Frame{})
	waitFor(t, func() bool { return errs.Load() == 1 })
	ax.Close()
	if st := ax.Stats(); st.Failed != 1 || st.Sent != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestAsyncTx_SendAfterClose(t *testing.T) {
	tx := NewAsyncTx(context.Background(), 2, func(can.Frame) error { return nil }, Hooks{})
	tx.Close()
	tx.Close()
	if err := tx.SendFrame(can.Frame{CANID: 123}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestFanout_JoinsErrorsAndKeepsSending(t *testing.T) {
	var got []uint32
	ok := SinkFunc(func(fr can.Frame) error { got = append(got, fr.ID()); return nil })
	bad := SinkFunc(func(can.Frame) error { return errSendFail })
	fo := Fanout{bad, ok, bad}
	err := fo.SendFrame(can.NewFrame(0x42, nil))
	if !errors.Is(err, errSendFail) {
		t.Fatalf("expected joined send error, got %v", err)
	}
	if len(got) != 1 || got[0] != 0x42 {
		t.Fatalf("healthy sink missed the frame: %v", got)
	}
	if err := (Fanout{ok}).SendFrame(can.Frame{}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
