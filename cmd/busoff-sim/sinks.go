package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

const txQueueSize = 1024 // capacity of each async replay queue

// initSinks opens the configured replay sinks. The returned cleanup closes
// them in reverse order. On error the sinks opened so far are closed.
func initSinks(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.Fanout, func(), error) {
	var (
		out      transport.Fanout
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	if cfg.serialDev != "" {
		s, c, err := initSerialSink(ctx, cfg, l)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		out, cleanups = append(out, s), append(cleanups, c)
	}
	if cfg.canIf != "" {
		s, c, err := initSocketCANSink(ctx, cfg, l)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		out, cleanups = append(out, s), append(cleanups, c)
	}
	return out, cleanup, nil
}
