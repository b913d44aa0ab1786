// Package device holds the managed-device model, the client-side registry
// that keeps the latest record per device id, and the REST collaborator that
// lists and creates devices.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"lcm-console/internal/events"
)

// ErrMissingID is returned when a record without an id is upserted.
var ErrMissingID = errors.New("device record has no id")

// API is the REST collaborator used by FetchAll and Create.
type API interface {
	ListDevices(ctx context.Context) ([]json.RawMessage, error)
	CreateDevice(ctx context.Context, payload any) (json.RawMessage, error)
}

// Registry is a keyed store of the latest known record per device id.
// Writes are last-write-wins by id with no ordering token: whichever update
// is applied last is kept, regardless of when it was produced.
type Registry struct {
	mu      sync.RWMutex
	devices map[DeviceID]ManagedDevice

	api    API
	events *events.Bus
	logger *slog.Logger
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(api API, bus *events.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		devices: make(map[DeviceID]ManagedDevice),
		api:     api,
		events:  bus,
		logger:  logger.With("component", "registry"),
	}
}

// Upsert inserts or replaces the record stored at d.ID.
func (r *Registry) Upsert(d ManagedDevice) error {
	if d.ID == "" {
		return ErrMissingID
	}
	r.mu.Lock()
	_, existed := r.devices[d.ID]
	r.devices[d.ID] = d
	r.mu.Unlock()

	r.events.Emit(events.Event{
		Type: events.EventDeviceUpserted,
		Data: map[string]any{
			"id":      string(d.ID),
			"created": !existed,
			"device":  d,
		},
	})
	return nil
}

// All returns a snapshot of the current records. Order is unspecified.
func (r *Registry) All() []ManagedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ManagedDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Get returns the record for id.
func (r *Registry) Get(id DeviceID) (ManagedDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Len returns the number of distinct ids held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// FetchAll loads every device from the backend and upserts them one by one.
// On a decode failure part way through, records already processed stay in
// the registry.
func (r *Registry) FetchAll(ctx context.Context) ([]ManagedDevice, error) {
	raw, err := r.api.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch devices: %w", err)
	}

	items := make([]ManagedDevice, 0, len(raw))
	for i, data := range raw {
		d, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("fetch devices: item %d: %w", i, err)
		}
		if err := r.Upsert(d); err != nil {
			return nil, fmt.Errorf("fetch devices: item %d: %w", i, err)
		}
		items = append(items, d)
	}

	r.logger.Debug("devices fetched", "count", len(items), "total", r.Len())
	return items, nil
}

// Create posts payload to the backend and upserts the created record. The
// registry is unchanged when the call fails.
func (r *Registry) Create(ctx context.Context, payload any) (ManagedDevice, error) {
	raw, err := r.api.CreateDevice(ctx, payload)
	if err != nil {
		return ManagedDevice{}, fmt.Errorf("create device: %w", err)
	}
	d, err := Decode(raw)
	if err != nil {
		return ManagedDevice{}, fmt.Errorf("create device: %w", err)
	}
	if err := r.Upsert(d); err != nil {
		return ManagedDevice{}, fmt.Errorf("create device: %w", err)
	}
	r.logger.Info("device created", "id", d.ID, "name", d.DisplayName())
	return d, nil
}
