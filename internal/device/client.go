package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"lcm-console/internal/status"
)

const maxResponseBytes = 10 << 20

// TransportError is returned for failed REST calls: the request could not be
// sent, the backend answered non-2xx, or the body could not be read.
type TransportError struct {
	Op         string
	StatusCode int // 0 if no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithSessionCookie sets the function that yields the raw SESSID value sent
// with every request. An empty value sends no cookie.
func WithSessionCookie(fn func() string) ClientOption {
	return func(c *Client) {
		c.cookie = fn
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the managed-devices REST endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	cookie  func() string
	logger  *slog.Logger
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "device_api")
	return c
}

// ListDevices fetches GET /managed-devices.
func (c *Client) ListDevices(ctx context.Context) ([]json.RawMessage, error) {
	body, err := c.do(ctx, "list devices", http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &TransportError{Op: "list devices", Err: fmt.Errorf("decode response: %w", err)}
	}
	return items, nil
}

// CreateDevice posts payload to POST /managed-devices.
func (c *Client) CreateDevice(ctx context.Context, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode device payload: %w", err)
	}
	body, err := c.do(ctx, "create device", http.MethodPost, data)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &TransportError{Op: "create device", Err: fmt.Errorf("invalid JSON response")}
	}
	return json.RawMessage(body), nil
}

func (c *Client) do(ctx context.Context, op, method string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/managed-devices", reqBody)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	if c.cookie != nil {
		if v := c.cookie(); v != "" {
			req.AddCookie(&http.Cookie{Name: "SESSID", Value: v})
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("api call", "op", op, "status", resp.StatusCode, "request_id", reqID, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errorDetail(resp.StatusCode, body)}
	}
	return body, nil
}

// errorDetail decodes the backend error body, falling back to the status text.
func errorDetail(code int, body []byte) *status.Detail {
	var d status.Detail
	if err := json.Unmarshal(body, &d); err == nil && d.Summary() != "" {
		return &d
	}
	return &status.Detail{Message: http.StatusText(code)}
}
