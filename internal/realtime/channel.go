// Package realtime manages the push channel that streams device updates to
// the client: connect, reconnect with bounded backoff, in-order dispatch to a
// single handler, and explicit teardown.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lcm-console/internal/events"
)

var (
	// ErrClosed is returned by Connect after Disconnect; a channel instance
	// is not reusable.
	ErrClosed = errors.New("realtime channel closed")
	// ErrActive is returned by Connect while a connection is live or pending.
	ErrActive = errors.New("realtime channel already active")
	// ErrChannelExhausted is reported when reconnect attempts run out.
	ErrChannelExhausted = errors.New("realtime channel: reconnect attempts exhausted")
)

// Handler receives inbound frames. It runs on the connection's read
// goroutine, so frames of one connection arrive in order.
type Handler func(msg []byte)

// Reporter receives recoverable errors; *status.AppStatus satisfies it.
type Reporter interface {
	SetError(err error)
}

// Config holds channel configuration.
type Config struct {
	URL        string
	MaxRetries int           // consecutive failed attempts before FAILED
	BaseDelay  time.Duration // delay before the first reconnect attempt
	MaxDelay   time.Duration // upper bound on the doubled delay
}

// Info is a point-in-time view of the channel.
type Info struct {
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	URL      string `json:"url"`
}

// Channel is one push-channel instance. It is created per session and
// discarded on logout; after Disconnect it cannot be connected again.
type Channel struct {
	cfg      Config
	dialer   Dialer
	reporter Reporter
	events   *events.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	closed   bool
	gen      uint64 // bumped on every attempt and on teardown; stale work compares and quits
	attempts int
	handler  Handler
	cancel   context.CancelFunc
	timer    *time.Timer

	// dispatchMu is held while a frame is checked and handed to the handler,
	// so Disconnect can wait out an in-flight call.
	dispatchMu sync.Mutex
	// emitMu orders state events: an attempt re-checks its generation and
	// publishes under it, so a superseded attempt never publishes after
	// Disconnect.
	emitMu sync.Mutex
	wg     sync.WaitGroup
}

// New creates a disconnected channel. reporter and bus may be nil.
func New(cfg Config, dialer Dialer, reporter Reporter, bus *events.Bus, logger *slog.Logger) *Channel {
	return &Channel{
		cfg:      cfg,
		dialer:   dialer,
		reporter: reporter,
		events:   bus,
		logger:   logger.With("component", "realtime"),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns state, current attempt count and endpoint.
func (c *Channel) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{State: c.state, Attempts: c.attempts, URL: c.cfg.URL}
}

// Connect starts connecting in the background and registers handler for all
// inbound frames. It is valid on a fresh channel and, as an explicit
// reconnect, on a FAILED one. Transport failures are never returned; they
// show up as state transitions.
func (c *Channel) Connect(handler Handler) error {
	if handler == nil {
		handler = func([]byte) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return ErrActive
	}
	c.handler = handler
	c.attempts = 0
	c.state = StateConnecting
	ctx, g := c.newAttemptLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("realtime channel connecting", "url", c.cfg.URL)
	c.emitCurrent(g, StateConnecting, 0, nil)
	go c.run(ctx, g)
	return nil
}

// Disconnect stops the channel for good: it cancels a pending reconnect and
// any in-flight dial, moves to DISCONNECTED before returning, and waits for a
// handler call already in progress. No frame is delivered after it returns.
// It must not be called from inside the handler.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()

	c.logger.Info("realtime channel disconnected")
	c.emitMu.Lock()
	c.emit(StateDisconnected, 0, nil)
	c.emitMu.Unlock()
}

// newAttemptLocked supersedes any previous attempt and returns the context
// and generation of the new one. c.mu must be held.
func (c *Channel) newAttemptLocked() (context.Context, uint64) {
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return ctx, c.gen
}

func (c *Channel) run(ctx context.Context, g uint64) {
	defer c.wg.Done()

	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.lost(g, err)
		return
	}

	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("realtime channel connected", "url", c.cfg.URL)
	c.emitCurrent(g, StateConnected, 0, nil)

	err = c.readLoop(ctx, g, conn)
	conn.Close()
	if err != nil {
		c.lost(g, err)
	}
}

// readLoop dispatches frames in arrival order until the connection fails
// (non-nil error) or is superseded (nil).
func (c *Channel) readLoop(ctx context.Context, g uint64, conn Conn) error {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if !c.dispatch(g, msg) {
			return nil
		}
	}
}

func (c *Channel) dispatch(g uint64, msg []byte) bool {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	current := g == c.gen && c.state == StateConnected
	h := c.handler
	c.mu.Unlock()
	if !current {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panic", "panic", r)
		}
	}()
	h(msg)
	return true
}

// lost handles a close or error of attempt g: schedule the next attempt or,
// once the bound is reached, fail.
func (c *Channel) lost(g uint64, cause error) {
	c.mu.Lock()
	if g != c.gen || c.closed {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.cfg.MaxRetries {
		attempts := c.attempts
		c.gen++
		failedGen := c.gen
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.state = StateFailed
		c.mu.Unlock()

		err := fmt.Errorf("%w after %d attempts: %v", ErrChannelExhausted, attempts, cause)
		c.logger.Warn("realtime channel failed", "attempts", attempts, "err", cause)
		if !c.emitCurrent(failedGen, StateFailed, attempts, cause) {
			return
		}
		if c.reporter != nil {
			c.reporter.SetError(err)
		}
		return
	}

	c.attempts++
	n := c.attempts
	delay := backoffDelay(n, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.state = StateReconnecting
	c.timer = time.AfterFunc(delay, func() { c.reconnect(g) })
	c.mu.Unlock()

	c.logger.Warn("realtime channel lost, reconnecting", "attempt", n, "max", c.cfg.MaxRetries, "delay", delay, "err", cause)
	c.emitCurrent(g, StateReconnecting, n, cause)
}

func (c *Channel) reconnect(g uint64) {
	c.mu.Lock()
	if g != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx, ng := c.newAttemptLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	c.run(ctx, ng)
}

// emitCurrent publishes s only while generation g is still current and the
// channel is open. It reports whether the event was published.
func (c *Channel) emitCurrent(g uint64, s State, attempt int, cause error) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	current := g == c.gen && !c.closed
	c.mu.Unlock()
	if !current {
		return false
	}
	c.emit(s, attempt, cause)
	return true
}

func (c *Channel) emit(s State, attempt int, cause error) {
	data := map[string]any{
		"state":   s.String(),
		"attempt": attempt,
		"url":     c.cfg.URL,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	c.events.Emit(events.Event{Type: events.EventChannelState, Data: data})
}
