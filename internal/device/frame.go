package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TopicDeviceStatus frames report a device's control-channel session
// opening or closing.
const TopicDeviceStatus = "devicestatus"

// Frame is the envelope the backend pushes over the realtime channel.
type Frame struct {
	Namespace string          `json:"namespace"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
}

// ApplyFrame interprets one realtime frame. When it carries a device record
// (an object with an id, either as the envelope data or as the frame itself)
// the record is upserted and true is returned. Frames about anything else are
// ignored.
func (r *Registry) ApplyFrame(frame []byte) (bool, error) {
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}

	if f.Topic == TopicDeviceStatus {
		return r.applyStatus(f)
	}

	body := bytes.TrimSpace(f.Data)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		body = frame
	}
	if len(body) == 0 || body[0] != '{' {
		return false, nil
	}

	var probe struct {
		ID DeviceID `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ID == "" {
		return false, nil
	}

	d, err := Decode(body)
	if err != nil {
		return false, fmt.Errorf("frame %s/%s: %w", f.Namespace, f.Topic, err)
	}
	if err := r.Upsert(d); err != nil {
		return false, err
	}
	r.logger.Debug("device updated from push", "id", d.ID, "namespace", f.Namespace, "topic", f.Topic)
	return true, nil
}

// statusEvent is the data of a devicestatus frame.
type statusEvent struct {
	SourceType string   `json:"source_type"`
	SourceID   DeviceID `json:"source_id"`
	Details    struct {
		Status        string    `json:"status"`
		SessionID     int32     `json:"session_id"`
		LastMessageAt time.Time `json:"last_message_at"`
	} `json:"details"`
}

// applyStatus replaces the record of a known device with a copy carrying the
// reported connection status. Reports for unknown devices are ignored; the
// next snapshot brings them in.
func (r *Registry) applyStatus(f Frame) (bool, error) {
	var ev statusEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return false, fmt.Errorf("frame %s/%s: %w", f.Namespace, f.Topic, err)
	}
	if ev.SourceID == "" || ev.Details.Status == "" {
		return false, nil
	}

	d, ok := r.Get(ev.SourceID)
	if !ok {
		r.logger.Debug("status for unknown device", "id", ev.SourceID, "status", ev.Details.Status)
		return false, nil
	}
	d.ConnectionStatus = ev.Details.Status
	if !ev.Details.LastMessageAt.IsZero() {
		d.AvailabilityLastMessageAt = OptionalTime{Time: ev.Details.LastMessageAt}
	}
	if err := r.Upsert(d); err != nil {
		return false, err
	}
	r.logger.Debug("device status from push", "id", d.ID, "status", d.ConnectionStatus)
	return true, nil
}
