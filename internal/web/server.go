package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"lcm-console/internal/app"
	"lcm-console/internal/events"
	"lcm-console/internal/hooks"
	"lcm-console/internal/session"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the local console HTTP surface: a JSON API over the application
// context and a websocket stream of its events.
type Server struct {
	app            *app.App
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	hookEngine     *hooks.Engine
	hookMgr        *hooks.Manager
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(a *app.App, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		app:    a,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.snapshot, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Forward every application event to websocket clients.
	if a.Events != nil {
		s.unsubEvents = a.Events.OnAll(func(event events.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Open: the UI needs these before a session exists.
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/session", s.handleAPISession)
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/status/clear-error", s.handleAPIClearError)

	// Hook scripts are local configuration and need no backend session.
	s.mux.HandleFunc("GET /api/hooks", s.handleAPIListHooks)
	s.mux.HandleFunc("POST /api/hooks", s.handleAPICreateHook)
	s.mux.HandleFunc("GET /api/hooks/{id}", s.handleAPIGetHook)
	s.mux.HandleFunc("PUT /api/hooks/{id}", s.handleAPIUpdateHook)
	s.mux.HandleFunc("DELETE /api/hooks/{id}", s.handleAPIDeleteHook)
	s.mux.HandleFunc("POST /api/hooks/{id}/toggle", s.handleAPIToggleHook)
	s.mux.HandleFunc("POST /api/hooks/{id}/run", s.handleAPIRunHook)

	// Protected
	s.mux.Handle("GET /api/devices", s.guard(s.handleAPIListDevices))
	s.mux.Handle("POST /api/devices", s.guard(s.handleAPICreateDevice))
	s.mux.Handle("GET /api/devices/{id}", s.guard(s.handleAPIGetDevice))
	s.mux.Handle("POST /api/devices/refresh", s.guard(s.handleAPIRefreshDevices))
	s.mux.Handle("GET /api/channel", s.guard(s.handleAPIChannel))
	s.mux.Handle("POST /api/channel/reconnect", s.guard(s.handleAPIReconnect))
	s.mux.Handle("GET /ws", s.guard(s.handleWS))
}

// guard serves h only once the application has an established session.
func (s *Server) guard(h http.HandlerFunc) http.Handler {
	return session.Guard(s.app, s.app.Session.LoginURL(), h)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Browsers cannot send custom headers on a websocket upgrade, so only
		// /api/ is key-protected.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
