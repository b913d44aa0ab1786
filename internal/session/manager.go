// Package session derives the authentication state from the session token,
// persists it to client storage and gates protected navigation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"lcm-console/internal/events"
	"lcm-console/internal/store"
	"lcm-console/internal/token"
)

// Storage keys, removed together on ClearSession.
const (
	KeyUserToken   = "usertoken"
	KeyUserSession = "usersession"
)

// DefaultDisplayDelay is how long appLoading stays asserted after a bootstrap
// or before a logout navigation.
const DefaultDisplayDelay = time.Second

// State is the authentication state.
type State int

const (
	StateAnonymous State = iota
	StateBootstrapping
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "ANONYMOUS"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateAnonymous, StateBootstrapping, StateAuthenticated} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Navigator performs external navigation (redirect to login or logout).
type Navigator interface {
	Navigate(url string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(url string)

func (f NavigatorFunc) Navigate(url string) { f(url) }

// Loader receives the appLoading flag; *status.AppStatus satisfies it.
type Loader interface {
	SetAppLoading(v bool)
}

// Config holds session manager configuration.
type Config struct {
	LoginURL     string
	LogoutURL    string
	DisplayDelay time.Duration
}

// Session is a snapshot of the authentication state. Token and Identity are
// set only while authenticated.
type Session struct {
	State         State           `json:"state"`
	Authenticated bool            `json:"isAuthenticated"`
	Token         string          `json:"token,omitempty"`
	Identity      *token.Identity `json:"identity,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Manager owns the session state machine.
type Manager struct {
	cfg    Config
	boot   Bootstrapper
	store  store.Store
	loader Loader
	nav    Navigator
	events *events.Bus
	logger *slog.Logger

	// bootMu serializes EnsureSession so two bootstraps never race on the
	// storage write.
	bootMu sync.Mutex

	mu         sync.RWMutex
	state      State
	claims     token.Claims
	lastErr    error
	loadingGen uint64
}

// New creates an anonymous session manager. loader, nav and bus may be nil.
func New(cfg Config, boot Bootstrapper, st store.Store, loader Loader, nav Navigator, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.DisplayDelay < 0 {
		cfg.DisplayDelay = 0
	}
	if lt, ok := boot.(LogoutTargeter); ok {
		cfg.LogoutURL = lt.LogoutTarget()
	}
	return &Manager{
		cfg:    cfg,
		boot:   boot,
		store:  st,
		loader: loader,
		nav:    nav,
		events: bus,
		logger: logger.With("component", "session"),
	}
}

// State returns the current authentication state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the reason of the last failed bootstrap, or nil.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// LoginURL is where failed bootstraps redirect.
func (m *Manager) LoginURL() string { return m.cfg.LoginURL }

// LogoutURL is where Logout navigates.
func (m *Manager) LogoutURL() string { return m.cfg.LogoutURL }

// Authenticated reports whether a session is established.
func (m *Manager) Authenticated() bool {
	return m.State() == StateAuthenticated
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Session{State: m.state}
	if m.state == StateAuthenticated {
		id := m.claims.Identity
		s.Authenticated = true
		s.Token = m.claims.Token
		s.Identity = &id
	}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	return s
}

// RawToken returns the full cookie value of the current session for use by
// transports, or "" when anonymous or in dev mode.
func (m *Manager) RawToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateAuthenticated {
		return ""
	}
	return m.claims.Raw
}

// EnsureSession returns nil at once when authenticated. Otherwise it runs the
// bootstrap strategy: on success the token and identity are persisted and the
// state becomes AUTHENTICATED; on failure persisted data is cleared, the state
// becomes ANONYMOUS and the reason is returned. appLoading is asserted while
// bootstrapping and cleared DisplayDelay after completion.
func (m *Manager) EnsureSession(ctx context.Context) error {
	m.bootMu.Lock()
	defer m.bootMu.Unlock()

	if m.Authenticated() {
		return nil
	}

	m.setAppLoading(true)
	m.transition(StateBootstrapping, token.Claims{}, nil)

	claims, err := m.boot.Bootstrap(ctx)
	if err == nil {
		err = m.persist(claims)
	}
	if err != nil {
		if rmErr := m.store.RemoveItems(KeyUserToken, KeyUserSession); rmErr != nil {
			m.logger.Error("clear persisted session", "err", rmErr)
		}
		m.transition(StateAnonymous, token.Claims{}, err)
		m.finishLoading()
		m.logger.Warn("session bootstrap failed", "err", err)
		return err
	}

	m.transition(StateAuthenticated, claims, nil)
	m.finishLoading()
	m.logger.Info("session established", "first_name", claims.Identity.FirstName, "last_name", claims.Identity.LastName)
	return nil
}

func (m *Manager) persist(claims token.Claims) error {
	identity, err := json.Marshal(claims.Identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := m.store.SetItems(map[string]string{
		KeyUserToken:   claims.Token,
		KeyUserSession: string(identity),
	}); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// ClearSession removes the persisted token and identity and returns to
// ANONYMOUS. Calling it again is harmless.
func (m *Manager) ClearSession() error {
	err := m.store.RemoveItems(KeyUserToken, KeyUserSession)
	m.transition(StateAnonymous, token.Claims{}, nil)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Logout asserts appLoading, clears the session and, after DisplayDelay,
// navigates to the logout target. It blocks for the delay and ignores
// cancellation once called.
func (m *Manager) Logout() {
	m.setAppLoading(true)
	if err := m.ClearSession(); err != nil {
		m.logger.Error("logout", "err", err)
	}
	m.logger.Info("logged out", "target", m.cfg.LogoutURL)
	if m.cfg.DisplayDelay > 0 {
		time.Sleep(m.cfg.DisplayDelay)
	}
	m.navigate(m.cfg.LogoutURL)
}

// AllowNavigation is the route-guard contract: it ensures a session and, on
// failure, navigates to the login target and reports false.
func (m *Manager) AllowNavigation(ctx context.Context) bool {
	if err := m.EnsureSession(ctx); err != nil {
		m.navigate(m.cfg.LoginURL)
		return false
	}
	return true
}

// Guard wraps next so requests are served only with an established session.
func (m *Manager) Guard(next http.Handler) http.Handler {
	return Guard(m, m.cfg.LoginURL, next)
}

func (m *Manager) navigate(url string) {
	if m.nav == nil || url == "" {
		return
	}
	m.nav.Navigate(url)
}

func (m *Manager) transition(s State, claims token.Claims, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.claims = claims
	m.lastErr = err
	m.mu.Unlock()

	if prev == s && err == nil {
		return
	}
	data := map[string]any{"state": s.String()}
	if s == StateAuthenticated {
		data["identity"] = claims.Identity
	}
	if err != nil {
		data["error"] = err.Error()
	}
	m.events.Emit(events.Event{Type: events.EventSessionState, Data: data})
}

func (m *Manager) setAppLoading(v bool) {
	m.mu.Lock()
	m.loadingGen++
	m.mu.Unlock()
	if m.loader != nil {
		m.loader.SetAppLoading(v)
	}
}

// finishLoading clears appLoading after the display delay unless a later
// call asserted it again in the meantime.
func (m *Manager) finishLoading() {
	if m.loader == nil {
		return
	}
	m.mu.Lock()
	m.loadingGen++
	g := m.loadingGen
	m.mu.Unlock()

	done := func() {
		m.mu.RLock()
		current := g == m.loadingGen
		m.mu.RUnlock()
		if current {
			m.loader.SetAppLoading(false)
		}
	}
	if m.cfg.DisplayDelay <= 0 {
		done()
		return
	}
	time.AfterFunc(m.cfg.DisplayDelay, done)
}

// Ensurer is anything that can establish a session on demand.
type Ensurer interface {
	EnsureSession(ctx context.Context) error
}

// Guard serves next only after e established a session; otherwise the
// request is redirected to loginURL, or rejected with 401 when no login
// target is configured.
func Guard(e Ensurer, loginURL string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := e.EnsureSession(r.Context()); err != nil {
			if loginURL == "" || errors.Is(err, context.Canceled) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			http.Redirect(w, r, loginURL, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
