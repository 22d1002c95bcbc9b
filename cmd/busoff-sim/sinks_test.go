package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/logging"
	"github.com/kstaniek/can-busoff-sim/internal/serial"
)

type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error { p.mu.Lock(); p.closed = true; p.mu.Unlock(); return nil }

func (p *fakePort) count() int { p.mu.Lock(); defer p.mu.Unlock(); return len(p.writes) }

func TestInitSinks_SerialReplay(t *testing.T) {
	fp := &fakePort{}
	orig := openSerialPort
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return fp, nil }
	t.Cleanup(func() { openSerialPort = orig })

	c := baseConfig()
	c.live, c.serialDev = true, "/dev/fake"
	sinks, cleanup, err := initSinks(context.Background(), c, logging.Discard())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(sinks) != 1 {
		t.Fatalf("expected one sink, got %d", len(sinks))
	}
	if err := sinks.SendFrame(can.NewFrame(0x173, []byte{1})); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for fp.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if fp.count() != 1 {
		t.Fatalf("expected one serial write, got %d", fp.count())
	}
	cleanup()
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if !fp.closed {
		t.Fatalf("cleanup must close the port")
	}
}

func TestInitSinks_OpenError(t *testing.T) {
	orig := openSerialPort
	boom := errors.New("no device")
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return nil, boom }
	t.Cleanup(func() { openSerialPort = orig })
	c := baseConfig()
	c.live, c.serialDev = true, "/dev/missing"
	if _, _, err := initSinks(context.Background(), c, logging.Discard()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
}

func TestInitSinks_NoneConfigured(t *testing.T) {
	sinks, cleanup, err := initSinks(context.Background(), baseConfig(), logging.Discard())
	if err != nil || len(sinks) != 0 {
		t.Fatalf("expected no sinks: %v %v", sinks, err)
	}
	cleanup()
}
