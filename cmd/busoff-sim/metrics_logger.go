package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"rounds", snap.Rounds,
					"collisions", snap.Collisions,
					"bit_errors", snap.BitErrors,
					"active_flags", snap.ActiveFlags,
					"passive_flags", snap.PassiveFlags,
					"bus_offs", snap.BusOffs,
					"runs", snap.Runs,
					"tap_rx", snap.TapRx,
					"tap_tx", snap.TapTx,
					"sink_tx", snap.SinkTx,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
