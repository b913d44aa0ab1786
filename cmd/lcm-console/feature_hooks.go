//go:build !no_hooks

package main

import (
	"log/slog"

	"lcm-console/internal/app"
	"lcm-console/internal/hooks"
	"lcm-console/internal/web"
)

type hookStopper struct {
	engine *hooks.Engine
}

func (h *hookStopper) Stop() {
	if h.engine != nil {
		h.engine.Stop()
	}
}

func initHooks(a *app.App, cfg *Config, logger *slog.Logger) (*hookStopper, []web.ServerOption) {
	if !cfg.Hooks.Enabled {
		return &hookStopper{}, nil
	}
	mgr, err := hooks.NewManager(cfg.Hooks.ScriptsDir, logger)
	if err != nil {
		logger.Error("create hook manager", "err", err)
		return &hookStopper{}, nil
	}

	engine := hooks.NewEngine(a.Registry, a.Status, a.Events, a, mgr, logger)
	engine.Start()

	return &hookStopper{engine: engine}, []web.ServerOption{web.WithHooks(engine, mgr)}
}
