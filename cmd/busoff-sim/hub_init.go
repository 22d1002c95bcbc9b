package main

import (
	"log/slog"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub[can.Frame] {
	h := hub.New[can.Frame]()
	h.OutBufSize = cfg.hubBuffer
	p, ok := hub.ParsePolicy(cfg.hubPolicy)
	if !ok {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", p.String())
	}
	h.Policy = p
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
