package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/can-busoff-sim/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "busoff-sim")
	logging.Set(l)
	return l
}
