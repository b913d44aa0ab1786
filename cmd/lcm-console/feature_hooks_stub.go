//go:build no_hooks

package main

import (
	"log/slog"

	"lcm-console/internal/app"
	"lcm-console/internal/web"
)

type hookStopper struct{}

func (h *hookStopper) Stop() {}

func initHooks(_ *app.App, _ *Config, _ *slog.Logger) (*hookStopper, []web.ServerOption) {
	return &hookStopper{}, nil
}
