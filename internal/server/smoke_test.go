package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/cnl"
	"github.com/kstaniek/can-busoff-sim/internal/hub"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/sim"
)

// capture records injected frames.
type capture struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (c *capture) inject(fr can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, fr)
	return c.err
}

func (c *capture) len() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.frames) }

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	base := []ServerOption{
		WithHub(hub.New[can.Frame]()),
		WithListenAddr("127.0.0.1:0"),
		WithHandshakeTimeout(time.Second),
		WithFlushInterval(time.Millisecond),
		WithLogger(logging.Discard()),
	}
	srv := NewServer(append(base, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		cancel()
		t.Fatalf("server did not signal readiness")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	})
	return srv, cancel
}

func dialTap(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := cnl.Handshake(context.Background(), conn, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestTap_InjectAndStream(t *testing.T) {
	var c capture
	srv, _ := startServer(t, WithInject(c.inject))
	if srv.Port() == 0 {
		t.Fatalf("expected bound port")
	}
	conn := dialTap(t, srv.Addr())
	codec := &cnl.Codec{}

	// Client -> simulation.
	if _, err := codec.EncodeTo(conn, []can.Frame{can.NewFrame(0x123, []byte{1, 2, 3})}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return c.len() == 1 })
	c.mu.Lock()
	got := c.frames[0]
	c.mu.Unlock()
	if got.ID() != 0x123 || got.Len != 3 || got.Data[2] != 3 {
		t.Fatalf("unexpected injected frame %+v", got)
	}

	// Simulation -> client.
	waitFor(t, func() bool { return srv.Hub.Count() == 1 })
	want := can.NewFrame(0x173, []byte{9, 8})
	if err := srv.SendFrame(want); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	fr, err := codec.Decode(conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr != want {
		t.Fatalf("streamed %+v want %+v", fr, want)
	}
}

func TestTap_InjectOverflowIsNotFatal(t *testing.T) {
	c := capture{err: sim.ErrInjectFull}
	srv, _ := startServer(t, WithInject(c.inject))
	conn := dialTap(t, srv.Addr())
	frames := []can.Frame{can.NewFrame(1, nil), can.NewFrame(2, nil)}
	if _, err := (&cnl.Codec{}).EncodeTo(conn, frames); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return c.len() == 2 })
	if srv.totalInjectDrop.Load() != 2 || srv.LastError() != nil {
		t.Fatalf("overflow should be counted, not reported: drops=%d err=%v", srv.totalInjectDrop.Load(), srv.LastError())
	}
}

func TestTap_InjectErrorReported(t *testing.T) {
	boom := errors.New("boom")
	c := capture{err: boom}
	srv, _ := startServer(t, WithInject(c.inject))
	conn := dialTap(t, srv.Addr())
	if _, err := (&cnl.Codec{}).EncodeTo(conn, []can.Frame{can.NewFrame(7, nil)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-srv.Errors():
		if !errors.Is(err, ErrInject) {
			t.Fatalf("expected ErrInject got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error reported")
	}
}

func TestTap_InjectDisabledIsNotADrop(t *testing.T) {
	c := capture{err: sim.ErrInjectDisabled}
	srv, _ := startServer(t, WithInject(c.inject))
	conn := dialTap(t, srv.Addr())
	if _, err := (&cnl.Codec{}).EncodeTo(conn, []can.Frame{can.NewFrame(9, nil)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-srv.Errors():
		if !errors.Is(err, ErrInject) || !errors.Is(err, sim.ErrInjectDisabled) {
			t.Fatalf("expected ErrInject wrapping ErrInjectDisabled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error reported")
	}
	if srv.totalInjectDrop.Load() != 0 || srv.totalInjectErr.Load() != 1 {
		t.Fatalf("disabled injection must count as error: drops=%d errs=%d", srv.totalInjectDrop.Load(), srv.totalInjectErr.Load())
	}
}

func TestTap_FrameFilter(t *testing.T) {
	var c capture
	srv, _ := startServer(t, WithInject(c.inject), WithFrameFilter(func(fr *can.Frame) bool { return fr.ID() != 0x7FF }))
	conn := dialTap(t, srv.Addr())
	frames := []can.Frame{can.NewFrame(0x7FF, nil), can.NewFrame(0x10, nil)}
	if _, err := (&cnl.Codec{}).EncodeTo(conn, frames); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return c.len() == 1 })
	time.Sleep(10 * time.Millisecond)
	if c.len() != 1 || c.frames[0].ID() != 0x10 {
		t.Fatalf("filter not applied: %+v", c.frames)
	}
}

func TestTap_MaxClients(t *testing.T) {
	srv, _ := startServer(t, WithMaxClients(1))
	_ = dialTap(t, srv.Addr())
	waitFor(t, func() bool { return srv.Hub.Count() == 1 })
	second := dialTap(t, srv.Addr())
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected rejected client to be closed")
	}
	if srv.Hub.Count() != 1 {
		t.Fatalf("expected 1 client, got %d", srv.Hub.Count())
	}
}

func TestTap_BadHandshake(t *testing.T) {
	srv, _ := startServer(t)
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("NOTCANNELLON")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case err := <-srv.Errors():
		if !errors.Is(err, ErrHandshake) {
			t.Fatalf("expected ErrHandshake got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no handshake error reported")
	}
}

func TestTap_DisconnectRemovesClient(t *testing.T) {
	srv, _ := startServer(t)
	conn := dialTap(t, srv.Addr())
	waitFor(t, func() bool { return srv.Hub.Count() == 1 })
	_ = conn.Close()
	waitFor(t, func() bool { return srv.Hub.Count() == 0 })
}

func TestMapErrToMetric(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrConnRead, "tcp_read"},
		{ErrConnWrite, "tcp_write"},
		{ErrHandshake, "handshake"},
		{ErrInject, "inject"},
		{ErrListen, "tcp_read"},
		{ErrContext, "context"},
		{errors.New("x"), "other"},
	}
	for _, tc := range tests {
		if got := mapErrToMetric(tc.err); got != tc.want {
			t.Fatalf("%v: got %q want %q", tc.err, got, tc.want)
		}
	}
}
