// Package app composes the session manager, device registry, realtime
// channel and status aggregator, and sequences them. The components never
// call each other; everything that needs more than one of them lives here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lcm-console/internal/device"
	"lcm-console/internal/events"
	"lcm-console/internal/realtime"
	"lcm-console/internal/session"
	"lcm-console/internal/status"
)

// ErrNoSession is returned by operations that need an open session.
var ErrNoSession = errors.New("no active session")

// ChannelFactory builds a fresh realtime channel for a new session.
type ChannelFactory func() *realtime.Channel

// App is the application context.
type App struct {
	Status   *status.AppStatus
	Session  *session.Manager
	Registry *device.Registry
	Events   *events.Bus

	newChannel ChannelFactory
	logger     *slog.Logger

	mu      sync.Mutex
	channel *realtime.Channel
}

// New wires the components together. bus may be nil.
func New(st *status.AppStatus, sess *session.Manager, reg *device.Registry, bus *events.Bus, newChannel ChannelFactory, logger *slog.Logger) *App {
	return &App{
		Status:     st,
		Session:    sess,
		Registry:   reg,
		Events:     bus,
		newChannel: newChannel,
		logger:     logger.With("component", "app"),
	}
}

// EnsureSession establishes the session and, the first time it succeeds for
// that session, connects a new realtime channel and loads the initial device
// snapshot. A failed snapshot is reported through Status and does not fail
// the call.
func (a *App) EnsureSession(ctx context.Context) error {
	if err := a.Session.EnsureSession(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if a.channel != nil {
		a.mu.Unlock()
		return nil
	}
	ch := a.newChannel()
	a.channel = ch
	a.mu.Unlock()

	if err := ch.Connect(a.handleFrame); err != nil {
		return fmt.Errorf("connect realtime channel: %w", err)
	}

	if _, err := a.Refresh(ctx); err != nil {
		a.logger.Warn("initial device fetch failed", "err", err)
	}
	return nil
}

// AllowNavigation is the guarded entry point: without a session it navigates
// to the login target and reports false, otherwise it makes sure the
// session's channel and snapshot are in place.
func (a *App) AllowNavigation(ctx context.Context) bool {
	if !a.Session.AllowNavigation(ctx) {
		return false
	}
	if err := a.EnsureSession(ctx); err != nil {
		a.logger.Warn("session setup failed", "err", err)
		return false
	}
	return true
}

// Refresh reloads every device from the backend. On failure the registry
// keeps what it had and the error is surfaced through Status.
func (a *App) Refresh(ctx context.Context) ([]device.ManagedDevice, error) {
	a.Status.SetLoading(true)
	defer a.Status.SetLoading(false)

	items, err := a.Registry.FetchAll(ctx)
	if err != nil {
		a.Status.SetError(err)
		return nil, err
	}
	return items, nil
}

// CreateDevice creates a device through the backend and registers it.
func (a *App) CreateDevice(ctx context.Context, payload any) (device.ManagedDevice, error) {
	a.Status.SetLoading(true)
	defer a.Status.SetLoading(false)

	d, err := a.Registry.Create(ctx, payload)
	if err != nil {
		a.Status.SetError(err)
		return device.ManagedDevice{}, err
	}
	return d, nil
}

func (a *App) handleFrame(msg []byte) {
	if _, err := a.Registry.ApplyFrame(msg); err != nil {
		a.logger.Warn("realtime frame rejected", "err", err)
	}
}

// ChannelInfo describes the current session's channel. ok is false when no
// session is open.
func (a *App) ChannelInfo() (info realtime.Info, ok bool) {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return realtime.Info{}, false
	}
	return ch.Info(), true
}

// Reconnect restarts a FAILED channel and clears the exhaustion error it
// reported. Errors from other components stay.
func (a *App) Reconnect() error {
	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch == nil {
		return ErrNoSession
	}
	if err := ch.Connect(a.handleFrame); err != nil {
		return err
	}
	a.Status.ClearErrorIs(realtime.ErrChannelExhausted)
	a.logger.Info("realtime channel reconnect requested")
	return nil
}

// Logout tears down the session's channel and logs out. The channel is
// discarded; the next session gets a new one.
func (a *App) Logout() {
	a.dropChannel()
	a.Session.Logout()
}

// Close disconnects the channel without touching the session.
func (a *App) Close() {
	a.dropChannel()
}

func (a *App) dropChannel() {
	a.mu.Lock()
	ch := a.channel
	a.channel = nil
	a.mu.Unlock()
	if ch != nil {
		ch.Disconnect()
	}
}
