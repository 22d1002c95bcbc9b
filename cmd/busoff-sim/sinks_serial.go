package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/serial"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

func initSerialSink(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.FrameSink, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, 50*time.Millisecond)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	w := serial.NewTXWriter(ctx, sp, txQueueSize)
	return w, func() {
		w.Close()
		_ = sp.Close()
		st := w.Stats()
		l.Info("serial_closed", "device", cfg.serialDev, "sent", st.Sent, "failed", st.Failed, "dropped", st.Dropped)
	}, nil
}
