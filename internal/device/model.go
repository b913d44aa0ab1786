package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Defaults applied to fields absent from a payload.
const (
	DefaultDeviceType = "UNDEFINED"
	DefaultGroup      = "UNASSIGNED"
	StatusUnknown     = "UNKNOWN"
)

// DeviceID is the stable, server-assigned identifier. The backend may send it
// as a JSON number or a string; both decode to the same ID.
type DeviceID string

func (id *DeviceID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = DeviceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	*id = DeviceID(n.String())
	return nil
}

// OptionalTime is a timestamp that encodes as null when unset.
type OptionalTime struct {
	time.Time
}

func (t OptionalTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return t.Time.MarshalJSON()
}

func (t *OptionalTime) UnmarshalJSON(b []byte) error {
	if s := strings.TrimSpace(string(b)); s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	return t.Time.UnmarshalJSON(b)
}

// ManagedDevice is a device record as served by the backend. Records are
// values: the registry replaces whole records and never edits one in place.
type ManagedDevice struct {
	ID         DeviceID `json:"id"`
	DeviceType string   `json:"deviceType"`

	Name     string `json:"name"`
	Location string `json:"location"`
	AssetTag string `json:"assetTag"`
	Group    string `json:"group"`

	HardwareModel        string `json:"hardwareModel"`
	HardwareRevision     string `json:"hardwareRevision"`
	HardwareSerialNumber string `json:"hardwareSerialNumber"`
	FirmwareVersion      string `json:"firmwareVersion"`

	NetworkHostname           string `json:"networkHostname"`
	NetworkDomainname         string `json:"networkDomainname"`
	NetworkPrimaryIPv4Address string `json:"networkPrimaryIPv4Address"`

	AvailabilitySessionTimeout       int          `json:"availabilitySessionTimeout"`
	AvailabilityPingInterval         int          `json:"availabilityPingInterval"`
	AvailabilityPongResponseInterval int          `json:"availabilityPongResponseInterval"`
	AvailabilityLastMessageAt        OptionalTime `json:"availabilityLastMessageAt"`
	AvailabilityStatus               string       `json:"availabilityStatus"`
	ConnectionStatus                 string       `json:"connectionStatus"`
}

// Defaults returns a record with every field at its default.
func Defaults() ManagedDevice {
	return ManagedDevice{
		DeviceType:         DefaultDeviceType,
		Group:              DefaultGroup,
		AvailabilityStatus: StatusUnknown,
		ConnectionStatus:   StatusUnknown,
	}
}

// Decode builds a record from a possibly partial JSON object. Absent and null
// fields keep their defaults.
func Decode(data []byte) (ManagedDevice, error) {
	d := Defaults()
	if err := json.Unmarshal(data, &d); err != nil {
		return ManagedDevice{}, fmt.Errorf("decode managed device: %w", err)
	}
	return d, nil
}

// DisplayName returns the name, falling back to the hostname and the id.
func (d ManagedDevice) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.NetworkHostname != "" {
		return d.NetworkHostname
	}
	return string(d.ID)
}
