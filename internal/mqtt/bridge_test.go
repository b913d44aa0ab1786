//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"lcm-console/internal/device"
	"lcm-console/internal/events"
	"lcm-console/internal/status"
)

type published struct {
	Topic    string
	Payload  string
	Retained bool
}

type capture struct {
	mu   sync.Mutex
	msgs []published
}

func (c *capture) publish(topic string, payload []byte, retained bool) {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic, string(payload), retained})
	c.mu.Unlock()
}

func (c *capture) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Topic == topic {
			return c.msgs[i], true
		}
	}
	return published{}, false
}

func (c *capture) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

type stubController struct {
	refreshErr error
	reconnects int
}

func (s *stubController) Refresh(context.Context) ([]device.ManagedDevice, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return []device.ManagedDevice{{ID: "a"}, {ID: "b"}}, nil
}

func (s *stubController) Reconnect() error {
	s.reconnects++
	return nil
}

func newTestBridge(t *testing.T, ctrl Controller) (*Bridge, *capture, *device.Registry, *events.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := events.NewBus(logger)
	reg := device.NewRegistry(nil, bus, logger)
	b := newBridge(reg, bus, ctrl, "lcm", logger)
	c := &capture{}
	b.publish = c.publish
	b.Start()
	t.Cleanup(func() { b.unsub() })
	return b, c, reg, bus
}

func gateway() device.ManagedDevice {
	d, _ := device.Decode([]byte(`{"id":"gw-1","name":"Gateway Lab","location":"Lab",` +
		`"hardwareModel":"MRX5","firmwareVersion":"4.2","connectionStatus":"CONNECTED"}`))
	return d
}

func TestDiscoveryManagedDevice(t *testing.T) {
	msgs := buildDiscovery(gateway(), "lcm")
	topics := extractTopics(msgs)

	for _, want := range []string{
		"homeassistant/binary_sensor/lcm_gw-1/connected/config",
		"homeassistant/sensor/lcm_gw-1/connection_status/config",
		"homeassistant/sensor/lcm_gw-1/availability_status/config",
		"homeassistant/sensor/lcm_gw-1/last_message/config",
		"homeassistant/sensor/lcm_gw-1/firmware/config",
	} {
		if !topics[want] {
			t.Errorf("missing discovery %s", want)
		}
	}
	if topics["homeassistant/sensor/lcm_gw-1/ipv4/config"] {
		t.Error("ipv4 discovery published without an address")
	}

	var payload haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/binary_sensor/lcm_gw-1/connected/config" {
			if err := json.Unmarshal(m.Payload, &payload); err != nil {
				t.Fatal(err)
			}
		}
	}
	if payload.Name != "Gateway Lab Connected" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "lcm_gw-1_connected" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "lcm/devices/gw-1" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "lcm/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.DeviceClass != "connectivity" {
		t.Errorf("device_class = %q", payload.DeviceClass)
	}
	if payload.Device.Model != "MRX5" || payload.Device.SuggestedArea != "Lab" {
		t.Errorf("device block = %+v", payload.Device)
	}
}

func TestDiscoveryWithoutID(t *testing.T) {
	if msgs := buildDiscovery(device.Defaults(), "lcm"); len(msgs) != 0 {
		t.Errorf("expected no discovery for a record without id, got %d", len(msgs))
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		id   device.DeviceID
		want string
	}{
		{"gw-1", "gw-1"},
		{"42", "42"},
		{"site/a b", "site_a_b"},
		{"+#", "__"},
	}
	for _, tt := range tests {
		if got := deviceTopicName(device.ManagedDevice{ID: tt.id}); got != tt.want {
			t.Errorf("deviceTopicName(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestBridgeMirrorsUpserts(t *testing.T) {
	_, c, reg, _ := newTestBridge(t, nil)

	reg.Upsert(gateway())
	msg, ok := c.last("lcm/devices/gw-1")
	if !ok {
		t.Fatal("device state not published")
	}
	if !msg.Retained {
		t.Error("device state not retained")
	}
	var got device.ManagedDevice
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatal(err)
	}
	if got.ConnectionStatus != "CONNECTED" {
		t.Errorf("connectionStatus = %q", got.ConnectionStatus)
	}

	disc := "homeassistant/sensor/lcm_gw-1/connection_status/config"
	if c.count(disc) != 1 {
		t.Fatalf("discovery count = %d, want 1", c.count(disc))
	}

	// Same discovery inputs: state is republished, discovery is not.
	d := gateway()
	d.ConnectionStatus = "DISCONNECTED"
	reg.Upsert(d)
	if c.count(disc) != 1 {
		t.Errorf("discovery republished for a status-only change")
	}
	if c.count("lcm/devices/gw-1") != 2 {
		t.Errorf("state publishes = %d, want 2", c.count("lcm/devices/gw-1"))
	}

	// Renamed: discovery follows.
	d.Name = "Gateway Hall"
	reg.Upsert(d)
	if c.count(disc) != 2 {
		t.Errorf("discovery not republished after rename")
	}
}

func TestBridgeStateFollowsChannel(t *testing.T) {
	_, c, _, bus := newTestBridge(t, nil)

	emit := func(state string) {
		bus.Emit(events.Event{Type: events.EventChannelState, Data: map[string]any{"state": state}})
	}

	emit("CONNECTING")
	if _, ok := c.last("lcm/bridge/state"); ok {
		t.Error("bridge state published without a change")
	}
	emit("CONNECTED")
	if m, _ := c.last("lcm/bridge/state"); m.Payload != "online" {
		t.Errorf("bridge state = %q, want online", m.Payload)
	}
	emit("RECONNECTING")
	if m, _ := c.last("lcm/bridge/state"); m.Payload != "offline" {
		t.Errorf("bridge state = %q, want offline", m.Payload)
	}
	if m, _ := c.last("lcm/bridge/channel"); m.Payload != "RECONNECTING" {
		t.Errorf("channel = %q, want RECONNECTING", m.Payload)
	}
}

func TestBridgeStatusAndSession(t *testing.T) {
	_, c, _, bus := newTestBridge(t, nil)

	st := status.New(bus)
	st.SetError(errors.New("backend down"))
	m, ok := c.last("lcm/bridge/status")
	if !ok {
		t.Fatal("status not published")
	}
	var snap status.Snapshot
	json.Unmarshal([]byte(m.Payload), &snap)
	if snap.Error != "backend down" {
		t.Errorf("status error = %q", snap.Error)
	}

	bus.Emit(events.Event{Type: events.EventSessionState, Data: map[string]any{"state": "AUTHENTICATED"}})
	if m, _ := c.last("lcm/bridge/session"); m.Payload != "AUTHENTICATED" {
		t.Errorf("session = %q", m.Payload)
	}
}

func TestBridgeRequests(t *testing.T) {
	ctrl := &stubController{}
	b, c, _, _ := newTestBridge(t, ctrl)

	b.handleRequest(requestRefresh)
	m, _ := c.last("lcm/bridge/response/refresh")
	var resp map[string]any
	json.Unmarshal([]byte(m.Payload), &resp)
	if resp["status"] != "ok" || resp["count"] != float64(2) {
		t.Errorf("refresh response = %s", m.Payload)
	}

	b.handleRequest(requestReconnect)
	if ctrl.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", ctrl.reconnects)
	}

	ctrl.refreshErr = errors.New("unreachable")
	b.handleRequest(requestRefresh)
	m, _ = c.last("lcm/bridge/response/refresh")
	resp = nil
	json.Unmarshal([]byte(m.Payload), &resp)
	if resp["status"] != "error" || resp["error"] != "unreachable" {
		t.Errorf("failed refresh response = %s", m.Payload)
	}
}

func TestBridgePublishAllResetsDiscovery(t *testing.T) {
	b, c, reg, _ := newTestBridge(t, nil)
	reg.Upsert(gateway())
	disc := "homeassistant/binary_sensor/lcm_gw-1/connected/config"

	b.publishAll()
	if c.count(disc) != 2 {
		t.Errorf("discovery count after publishAll = %d, want 2", c.count(disc))
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
