//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"lcm-console/internal/device"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/lcm_gw-1/connection_status/config"
	Payload []byte // JSON
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Model         string   `json:"model,omitempty"`
	SWVersion     string   `json:"sw_version,omitempty"`
	HWVersion     string   `json:"hw_version,omitempty"`
	SerialNumber  string   `json:"serial_number,omitempty"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
	Name          string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev device.ManagedDevice) string {
	return "lcm_" + deviceTopicName(dev)
}

// deviceTopicName returns the topic segment for a device. The id is used
// rather than the name because names change and ids do not.
func deviceTopicName(dev device.ManagedDevice) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, string(dev.ID))
}

// deviceStateTopic is where the device record is mirrored.
func deviceStateTopic(prefix string, dev device.ManagedDevice) string {
	return prefix + "/devices/" + deviceTopicName(dev)
}

// buildDiscovery generates HA discovery messages for a managed device: its
// connection and availability status, plus diagnostic firmware and address
// sensors.
func buildDiscovery(dev device.ManagedDevice, prefix string) []discoveryMsg {
	if dev.ID == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := deviceStateTopic(prefix, dev)
	nodeID := deviceIdentifier(dev)
	displayName := dev.DisplayName()

	haDev := haDevice{
		Identifiers:   []string{nodeID},
		Model:         dev.HardwareModel,
		SWVersion:     dev.FirmwareVersion,
		HWVersion:     dev.HardwareRevision,
		SerialNumber:  dev.HardwareSerialNumber,
		SuggestedArea: dev.Location,
		Name:          displayName,
	}

	msgs := []discoveryMsg{
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"connected", "Connected", "connectivity",
			"{{ 'ON' if value_json.connectionStatus == 'CONNECTED' else 'OFF' }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"connection_status", "Connection Status", "", "mdi:lan-connect",
			"{{ value_json.connectionStatus }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"availability_status", "Availability Status", "", "mdi:heart-pulse",
			"{{ value_json.availabilityStatus }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"last_message", "Last Message", "timestamp", "",
			"{{ value_json.availabilityLastMessageAt }}"),
	}

	// Diagnostics only when the backend knows them.
	if dev.FirmwareVersion != "" {
		msgs = append(msgs, buildDiagnostic(nodeID, displayName, stateTopic, avail, haDev,
			"firmware", "Firmware", "{{ value_json.firmwareVersion }}"))
	}
	if dev.NetworkPrimaryIPv4Address != "" {
		msgs = append(msgs, buildDiagnostic(nodeID, displayName, stateTopic, avail, haDev,
			"ipv4", "IPv4 Address", "{{ value_json.networkPrimaryIPv4Address }}"))
	}

	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, icon, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildDiagnostic(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		EntityCategory:    "diagnostic",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
