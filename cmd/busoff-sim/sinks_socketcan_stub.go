//go:build !linux

package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/can-busoff-sim/internal/socketcan"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

func initSocketCANSink(ctx context.Context, cfg *appConfig, l *slog.Logger) (transport.FrameSink, func(), error) {
	return nil, func() {}, socketcan.ErrUnsupported
}
