//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"lcm-console/internal/device"
	"lcm-console/internal/events"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ClientID defaults to "lcm-console-" plus a random suffix so several
	// consoles can share a broker.
	ClientID string
}

// Controller is the part of the application the bridge can drive from
// request topics.
type Controller interface {
	Refresh(ctx context.Context) ([]device.ManagedDevice, error)
	Reconnect() error
}

// Request topics under <prefix>/bridge/request/.
const (
	requestRefresh   = "refresh"
	requestReconnect = "reconnect"
)

// Bridge mirrors the device registry and the console state to MQTT with HA
// autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	publish  func(topic string, payload []byte, retained bool)
	registry *device.Registry
	bus      *events.Bus
	ctrl     Controller
	prefix   string
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	online    bool                       // realtime channel is CONNECTED
	announced map[device.DeviceID]string // discovery last published per device
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg *device.Registry, bus *events.Bus, ctrl Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(reg, bus, ctrl, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "lcm-console-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "client_id", clientID)
			b.publishBridgeState()
			b.publishAll()
			b.subscribeRequests()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.publish = b.publishPaho

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(reg *device.Registry, bus *events.Bus, ctrl Controller, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		registry:  reg,
		bus:       bus,
		ctrl:      ctrl,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[device.DeviceID]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to application events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch event.Type {
	case events.EventDeviceUpserted:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		if dev, ok := data["device"].(device.ManagedDevice); ok {
			b.publishDevice(dev)
		}
	case events.EventChannelState:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		state, _ := data["state"].(string)
		b.publish(b.prefix+"/bridge/channel", []byte(state), true)
		b.setOnline(state == "CONNECTED")
	case events.EventSessionState:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		state, _ := data["state"].(string)
		b.publish(b.prefix+"/bridge/session", []byte(state), true)
	case events.EventStatusChanged:
		b.publish(b.prefix+"/bridge/status", mustJSON(event.Data), true)
	}
}

// publishDevice mirrors the record and refreshes its discovery entries when
// anything they are built from changed.
func (b *Bridge) publishDevice(dev device.ManagedDevice) {
	b.publish(deviceStateTopic(b.prefix, dev), mustJSON(dev), true)

	msgs := buildDiscovery(dev, b.prefix)
	fingerprint := discoveryFingerprint(msgs)
	b.mu.Lock()
	changed := b.announced[dev.ID] != fingerprint
	if changed {
		b.announced[dev.ID] = fingerprint
	}
	b.mu.Unlock()
	if !changed {
		return
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "id", dev.ID, "name", dev.DisplayName())
}

func discoveryFingerprint(msgs []discoveryMsg) string {
	var n int
	for _, m := range msgs {
		n += len(m.Topic) + len(m.Payload)
	}
	buf := make([]byte, 0, n)
	for _, m := range msgs {
		buf = append(buf, m.Topic...)
		buf = append(buf, m.Payload...)
	}
	return string(buf)
}

func (b *Bridge) setOnline(online bool) {
	b.mu.Lock()
	changed := b.online != online
	b.online = online
	b.mu.Unlock()
	if changed {
		b.publishBridgeState()
	}
}

// publishBridgeState reports "online" only while device data is live, so HA
// marks entities unavailable when the realtime channel is down.
func (b *Bridge) publishBridgeState() {
	b.mu.Lock()
	state := "offline"
	if b.online {
		state = "online"
	}
	b.mu.Unlock()
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll republishes every known device, e.g. after a broker reconnect
// dropped retained state.
func (b *Bridge) publishAll() {
	b.mu.Lock()
	clear(b.announced)
	b.mu.Unlock()
	for _, dev := range b.registry.All() {
		b.publishDevice(dev)
	}
}

func (b *Bridge) subscribeRequests() {
	for _, name := range []string{requestRefresh, requestReconnect} {
		topic := b.prefix + "/bridge/request/" + name
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
			b.handleRequest(name)
		})
	}
}

// handleRequest runs a request and publishes the outcome to
// <prefix>/bridge/response/<name>.
func (b *Bridge) handleRequest(name string) {
	if b.ctrl == nil {
		return
	}
	resp := map[string]any{"status": "ok"}
	var err error
	switch name {
	case requestRefresh:
		ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
		var items []device.ManagedDevice
		items, err = b.ctrl.Refresh(ctx)
		cancel()
		resp["count"] = len(items)
	case requestReconnect:
		err = b.ctrl.Reconnect()
	default:
		b.logger.Warn("unknown bridge request", "request", name)
		return
	}
	if err != nil {
		b.logger.Warn("bridge request failed", "request", name, "err", err)
		resp = map[string]any{"status": "error", "error": err.Error()}
	}
	b.publish(b.prefix+"/bridge/response/"+name, mustJSON(resp), false)
}

func (b *Bridge) publishPaho(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
