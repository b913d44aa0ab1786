package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"lcm-console/internal/app"
	"lcm-console/internal/device"
	"lcm-console/internal/events"
	"lcm-console/internal/realtime"
	"lcm-console/internal/session"
	"lcm-console/internal/status"
	"lcm-console/internal/store"
	"lcm-console/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// envSessionCookie overrides session.cookie.
const envSessionCookie = "LCM_SESSID"

type Config struct {
	API struct {
		BaseURL     string        `yaml:"base_url"`
		RealtimeURL string        `yaml:"realtime_url"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Session struct {
		DevMode      bool          `yaml:"dev_mode"`
		DevDelay     time.Duration `yaml:"dev_delay"`
		Cookie       string        `yaml:"cookie"`
		LoginURL     string        `yaml:"login_url"`
		LogoutURL    string        `yaml:"logout_url"`
		DisplayDelay time.Duration `yaml:"display_delay"`
	} `yaml:"session"`
	Realtime struct {
		MaxRetries int           `yaml:"max_retries"`
		BaseDelay  time.Duration `yaml:"base_delay"`
		MaxDelay   time.Duration `yaml:"max_delay"`
		ReadLimit  int64         `yaml:"read_limit"`
	} `yaml:"realtime"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Driver string `yaml:"driver"` // "bolt" or "memory"
		Path   string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Hooks struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"hooks"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if _, err := url.Parse(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if c.API.RealtimeURL == "" {
		return fmt.Errorf("api.realtime_url is required")
	}
	u, err := url.Parse(c.API.RealtimeURL)
	if err != nil {
		return fmt.Errorf("api.realtime_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("api.realtime_url must be ws:// or wss://, got %q", c.API.RealtimeURL)
	}
	if c.Realtime.MaxRetries < 0 {
		return fmt.Errorf("realtime.max_retries must not be negative")
	}
	switch c.Store.Driver {
	case "bolt", "memory":
	default:
		return fmt.Errorf("unknown store.driver: %q (supported: bolt, memory)", c.Store.Driver)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	cfgPath := pflag.StringP("config", "c", "config.yaml", "path to the configuration file")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if v := os.Getenv(envSessionCookie); v != "" {
		cfg.Session.Cookie = v
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("lcm-console starting", "version", version)

	db, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// One jar for REST and the push channel, so a cookie the backend rotates
	// on one is used by the other.
	jar, err := cookiejar.New(nil)
	if err != nil {
		logger.Error("create cookie jar", "err", err)
		os.Exit(1)
	}
	apiURL, _ := url.Parse(cfg.API.BaseURL)
	if cfg.Session.Cookie != "" {
		seedSessionCookie(jar, cfg.Session.Cookie, cfg.API.BaseURL, cfg.API.RealtimeURL)
	}

	bus := events.NewBus(logger)
	st := status.New(bus)

	sess := newSession(cfg, jar, apiURL, db, st, session.NavigatorFunc(func(u string) {
		logger.Info("navigate", "url", u)
	}), bus, logger)

	client := device.NewClient(cfg.API.BaseURL,
		device.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout, Jar: jar}),
		device.WithLogger(logger),
	)
	reg := device.NewRegistry(client, bus, logger)

	// The websocket library rejects clients with a Timeout; dials are bounded
	// by context instead.
	dialer := &realtime.WebSocketDialer{
		HTTPClient: &http.Client{Jar: jar},
		ReadLimit:  cfg.Realtime.ReadLimit,
	}
	a := app.New(st, sess, reg, bus, func() *realtime.Channel {
		return realtime.New(realtime.Config{
			URL:        cfg.API.RealtimeURL,
			MaxRetries: cfg.Realtime.MaxRetries,
			BaseDelay:  cfg.Realtime.BaseDelay,
			MaxDelay:   cfg.Realtime.MaxDelay,
		}, dialer, st, bus, logger)
	}, logger)

	// Start hook engine (no-op when built with no_hooks tag).
	hooks, hookWebOpts := initHooks(a, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, hookWebOpts...)
	webServer := web.NewServer(a, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(a, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if a.AllowNavigation(ctx) {
		logger.Info("session established", "identity", sess.Session().Identity)
	} else {
		logger.Warn("no session; protected requests redirect to login", "login_url", cfg.Session.LoginURL, "err", sess.LastError())
	}
	cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	hooks.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	a.Close()

	logger.Info("goodbye")
}

func openStore(cfg *Config) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewBoltStore(cfg.Store.Path)
}

// seedSessionCookie puts the configured SESSID into jar for every endpoint
// the console talks to.
func seedSessionCookie(jar http.CookieJar, value string, endpoints ...string) {
	for _, raw := range endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		// The jar only accepts http(s) URLs.
		switch u.Scheme {
		case "ws":
			u.Scheme = "http"
		case "wss":
			u.Scheme = "https"
		}
		jar.SetCookies(u, []*http.Cookie{{Name: session.CookieName, Value: value, Path: "/"}})
	}
}

// newSession picks the bootstrap strategy from session.dev_mode. The dev
// strategy also fixes the logout target to the application root.
func newSession(cfg *Config, jar http.CookieJar, apiURL *url.URL, db store.Store, loader session.Loader, nav session.Navigator, bus *events.Bus, logger *slog.Logger) *session.Manager {
	var boot session.Bootstrapper = &session.CookieBootstrap{
		Source: &session.JarCookies{Jar: jar, URL: apiURL},
	}
	if cfg.Session.DevMode {
		logger.Warn("dev mode: using a fixed identity, no backend session")
		boot = session.DevIdentity(cfg.Session.DevDelay)
	}

	return session.New(session.Config{
		LoginURL:     cfg.Session.LoginURL,
		LogoutURL:    cfg.Session.LogoutURL,
		DisplayDelay: cfg.Session.DisplayDelay,
	}, boot, db, loader, nav, bus, logger)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.Session.LoginURL == "" {
		cfg.Session.LoginURL = "/oauth2/login"
	}
	if cfg.Session.LogoutURL == "" {
		cfg.Session.LogoutURL = "/oauth2/logout"
	}
	if cfg.Session.DisplayDelay == 0 {
		cfg.Session.DisplayDelay = session.DefaultDisplayDelay
	}
	if cfg.Realtime.MaxRetries == 0 {
		cfg.Realtime.MaxRetries = 5
	}
	if cfg.Realtime.BaseDelay == 0 {
		cfg.Realtime.BaseDelay = time.Second
	}
	if cfg.Realtime.MaxDelay == 0 {
		cfg.Realtime.MaxDelay = 30 * time.Second
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bolt"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "lcm-console.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lcm"
	}
	if cfg.Hooks.ScriptsDir == "" {
		cfg.Hooks.ScriptsDir = "hooks"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
