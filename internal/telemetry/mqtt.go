// Package telemetry publishes session events and heartbeats to an MQTT
// broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/session"
	"github.com/energizer-project/netgamedist/internal/util"
)

// Topic suffixes under <prefix>/<session id>/.
const (
	TopicClients = "clients"
	TopicCRC     = "crc"
	TopicFlow    = "flow"
	TopicStats   = "stats"
	TopicAlerts  = "alerts"
	TopicStatus  = "status"
)

// StatusSource supplies the heartbeat snapshot.
type StatusSource interface {
	ID() string
	Snapshot() session.Snapshot
}

// MQTTHandler publishes bus events and periodic status to MQTT.
type MQTTHandler struct {
	cfg    config.MQTTConfig
	bus    *events.EventBus
	source StatusSource
	client mqtt.Client

	// included in every message
	metadata map[string]any
}

// NewMQTTHandler creates a handler for cfg. The client connects in Start.
func NewMQTTHandler(cfg config.MQTTConfig, bus *events.EventBus, source StatusSource) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:    cfg,
		bus:    bus,
		source: source,
		metadata: map[string]any{
			"hostname":   sysInfo.Hostname,
			"os":         sysInfo.OS,
			"session_id": source.ID(),
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetWill(h.Topic(TopicStatus), `{"state":"offline"}`, 1, true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", h.cfg.TopicPrefix, h.source.ID(), suffix)
}

// Start connects, forwards events and publishes a heartbeat every interval
// until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context, heartbeat time.Duration) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	h.PublishStatus()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.publishRetained(TopicStatus, map[string]any{"state": "offline"})
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.PublishStatus()
		}
	}
}

var forwarded = map[events.EventType]string{
	events.EventClientAdded:        TopicClients,
	events.EventClientRemoved:      TopicClients,
	events.EventClientDisconnected: TopicClients,
	events.EventCRCChallenge:       TopicCRC,
	events.EventCRCDesync:          TopicCRC,
	events.EventFlowChanged:        TopicFlow,
	events.EventNoInputChanged:     TopicFlow,
	events.EventStatsSample:        TopicStats,
	events.EventAlert:              TopicAlerts,
}

func (h *MQTTHandler) subscribeEvents() {
	for t := range forwarded {
		h.bus.Subscribe(t, "mqtt", h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	for t := range forwarded {
		h.bus.Unsubscribe(t, "mqtt")
	}
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	suffix, ok := forwarded[event.Type]
	if !ok {
		return nil
	}
	h.publish(suffix, map[string]any{
		"event":   event.Type,
		"payload": event.Payload,
	}, false)
	return nil
}

// PublishStatus sends the retained status message: the session snapshot
// plus host load.
func (h *MQTTHandler) PublishStatus() {
	status := map[string]any{
		"state":   "online",
		"session": h.source.Snapshot(),
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		status["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		status["memory"] = mem
	}
	h.publishRetained(TopicStatus, status)
}

func (h *MQTTHandler) publishRetained(suffix string, payload any) {
	h.publish(suffix, payload, true)
}

// publish sends a JSON message to a session topic with QoS 1.
func (h *MQTTHandler) publish(suffix string, payload any, retained bool) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.Topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the payload.
func (h *MQTTHandler) buildMessage(payload any) map[string]any {
	msg := make(map[string]any, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
