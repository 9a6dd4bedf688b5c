//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"somfy-go-home/internal/controller"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// statePayload is the retained per-shutter state JSON.
type statePayload struct {
	Position int    `json:"position"`
	State    string `json:"state"`
}

// Bridge connects the shutter controller to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	ctrl   *controller.Controller
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *controller.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		ctrl:   ctrl,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("somfy-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().On(controller.EventPositionChange, b.handlePositionChange)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handlePositionChange(event controller.Event) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return
	}
	id, _ := data["id"].(string)
	position, _ := data["position"].(int)
	if id == "" {
		return
	}
	b.publishState(id, position)
}

func (b *Bridge) publishState(id string, position int) {
	cfg, ok := b.ctrl.Shutters()[id]
	if !ok {
		return
	}
	state := "closed"
	if position > 0 {
		state = "open"
	}
	payload, err := json.Marshal(statePayload{Position: position, State: state})
	if err != nil {
		return
	}
	topic := b.prefix + "/" + shutterTopicName(id, cfg)
	b.publish(topic, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for id, cfg := range b.ctrl.Shutters() {
		msg := buildDiscovery(id, cfg, b.prefix)
		b.publish(msg.Topic, msg.Payload, true)
		b.logger.Info("published HA discovery", "id", id, "name", cfg.Name)
	}
}

func (b *Bridge) publishAllStates() {
	for id := range b.ctrl.Shutters() {
		position, err := b.ctrl.Position(id)
		if err != nil {
			continue
		}
		b.publishState(id, position)
	}
}

func (b *Bridge) subscribeCommands() {
	for id, cfg := range b.ctrl.Shutters() {
		topic := b.prefix + "/" + shutterTopicName(id, cfg)
		shutterID := id
		b.client.Subscribe(topic+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(shutterID, msg.Payload())
		})
		b.client.Subscribe(topic+"/set_position", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleSetPosition(shutterID, msg.Payload())
		})
	}
}

func (b *Bridge) handleCommand(id string, payload []byte) {
	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))
	b.logger.Info("MQTT command", "id", id, "cmd", cmd)

	// Lower/rise travel for the full duration; keep the paho callback free.
	go func() {
		var err error
		switch cmd {
		case "OPEN":
			err = b.ctrl.Rise(id)
		case "CLOSE":
			err = b.ctrl.Lower(id)
		case "STOP":
			err = b.ctrl.StopShutter(id)
		default:
			b.logger.Warn("unknown MQTT command", "id", id, "cmd", cmd)
			return
		}
		if err != nil {
			b.logger.Warn("MQTT command failed", "id", id, "cmd", cmd, "err", err)
		}
	}()
}

func (b *Bridge) handleSetPosition(id string, payload []byte) {
	target, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		b.logger.Warn("invalid set_position payload", "id", id, "payload", string(payload))
		return
	}
	target = min(100, max(0, target))

	position, err := b.ctrl.Position(id)
	if err != nil {
		b.logger.Warn("set_position for unknown shutter", "id", id)
		return
	}
	b.logger.Info("MQTT set_position", "id", id, "target", target, "position", position)

	// Partial moves block for the travel time; run them off the paho callback.
	go func() {
		var err error
		switch {
		case target < position:
			err = b.ctrl.LowerPartial(id, target)
		case target > position:
			err = b.ctrl.RisePartial(id, target)
		default:
			b.publishState(id, position)
		}
		if err != nil {
			b.logger.Warn("MQTT set_position failed", "id", id, "err", err)
		}
	}()
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
