//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/can-busoff-sim/internal/socketcan"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

// openSocketCANDevice is a hook for tests (overridden in unit tests).
var openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

func initSocketCANSink(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.FrameSink, func(), error) {
	dev, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, func() {}, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf)
	tw := socketcan.NewTXWriter(ctx, dev, txQueueSize)
	return tw, func() {
		tw.Close()
		_ = dev.Close()
		st := tw.Stats()
		l.Info("socketcan_closed", "if", cfg.canIf, "sent", st.Sent, "failed", st.Failed, "dropped", st.Dropped)
	}, nil
}
