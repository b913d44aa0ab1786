package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"lcm-console/internal/events"
)

// eventSnapshot is the first frame a websocket client receives: the full
// current state, so later events can be applied as deltas.
const eventSnapshot = "snapshot"

// streamFrame is one message on the event stream. Seq increases by one per
// published event; a gap means events were dropped and the client should
// reconnect for a fresh snapshot. A snapshot carries the seq of the last
// event it already reflects.
type streamFrame struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WSHub fans application events out to websocket clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	snapshot func() events.Event

	register   chan *wsClient
	unregister chan *wsClient
	queue      chan events.Event

	seq     uint64 // owned by Run
	dropped atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool // nil: every event type
}

func (c *wsClient) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// NewWSHub creates a hub. snapshot, when set, is sent to each client as it
// registers, ahead of any event published after that point.
func NewWSHub(snapshot func() events.Event, logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		snapshot:   snapshot,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		queue:      make(chan events.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			if h.snapshot != nil {
				snap := h.snapshot()
				if data, ok := h.encode(h.seq, snap); ok {
					select {
					case client.send <- data:
					default:
						h.logger.Warn("ws snapshot dropped, client buffer full")
					}
				}
			}
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case ev := <-h.queue:
			h.seq += 1 + h.dropped.Swap(0)
			data, ok := h.encode(h.seq, ev)
			if !ok {
				continue
			}
			h.fanOut(ev.Type, data)
		}
	}
}

func (h *WSHub) encode(seq uint64, ev events.Event) ([]byte, bool) {
	data, err := json.Marshal(streamFrame{Seq: seq, Type: ev.Type, Data: ev.Data})
	if err != nil {
		h.logger.Error("ws marshal", "type", ev.Type, "err", err)
		return nil, false
	}
	return data, true
}

// fanOut queues data for every client subscribed to eventType and evicts
// clients whose buffer is full.
func (h *WSHub) fanOut(eventType string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*wsClient
	for client := range h.clients {
		if !client.wants(eventType) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(h.clients, client)
		close(client.send)
		h.logger.Warn("ws client evicted (too slow)", "type", eventType)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues ev for subscribed clients; it never blocks. A dropped
// event shows up to clients as a seq gap.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.queue <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("ws event queue full, dropping event", "type", ev.Type)
	}
}

// parseEventTypes reads the comma separated `types` query filter. An empty
// filter subscribes to everything.
func parseEventTypes(raw string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

// snapshot is the current application state as one event.
func (s *Server) snapshot() events.Event {
	data := map[string]any{
		"status":  s.app.Status.Snapshot(),
		"session": s.app.Session.Session(),
		"devices": s.app.Registry.All(),
	}
	if info, ok := s.app.ChannelInfo(); ok {
		data["channel"] = info
	}
	return events.Event{Type: eventSnapshot, Data: data}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without allowedOrigins nhooyr enforces same-origin.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, 64),
		types: parseEventTypes(r.URL.Query().Get("types")),
	}

	// The hub sends the snapshot on registration.
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The stream is one-way; reads only detect the client going away.
	for {
		_, _, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
