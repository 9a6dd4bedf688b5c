//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"

	"somfy-go-home/internal/controller"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/cover/somfy_121300/cover/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haCover is the HA discovery payload for a shutter.
type haCover struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	DeviceClass       string   `json:"device_class,omitempty"`
	CommandTopic      string   `json:"command_topic"`
	PositionTopic     string   `json:"position_topic"`
	SetPositionTopic  string   `json:"set_position_topic"`
	PositionTemplate  string   `json:"position_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	PayloadOpen       string   `json:"payload_open"`
	PayloadClose      string   `json:"payload_close"`
	PayloadStop       string   `json:"payload_stop"`
	PositionOpen      int      `json:"position_open"`
	PositionClosed    int      `json:"position_closed"`
	Device            haDevice `json:"device"`
}

// shutterIdentifier returns the unique identifier for the HA device registry.
func shutterIdentifier(id string) string {
	return "somfy_" + id
}

// shutterTopicName returns the topic name for a shutter (name or id).
func shutterTopicName(id string, cfg controller.ShutterConfig) string {
	if cfg.Name == "" {
		return id
	}
	// Sanitize: lowercase and keep only safe chars for MQTT topics.
	name := strings.ToLower(cfg.Name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// buildDiscovery generates the HA cover discovery message for a shutter.
func buildDiscovery(id string, cfg controller.ShutterConfig, prefix string) discoveryMsg {
	nodeID := shutterIdentifier(id)
	topic := prefix + "/" + shutterTopicName(id, cfg)
	displayName := cfg.Name
	if displayName == "" {
		displayName = id
	}

	payload := haCover{
		Name:              displayName,
		UniqueID:          nodeID + "_cover",
		DeviceClass:       "shutter",
		CommandTopic:      topic + "/set",
		PositionTopic:     topic,
		SetPositionTopic:  topic + "/set_position",
		PositionTemplate:  "{{ value_json.position }}",
		AvailabilityTopic: prefix + "/bridge/state",
		PayloadOpen:       "OPEN",
		PayloadClose:      "CLOSE",
		PayloadStop:       "STOP",
		PositionOpen:      100,
		PositionClosed:    0,
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Somfy",
			Model:        "RTS",
			Name:         displayName,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return discoveryMsg{
		Topic:   "homeassistant/cover/" + nodeID + "/cover/config",
		Payload: data,
	}
}
