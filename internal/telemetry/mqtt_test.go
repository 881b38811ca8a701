package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/session"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	body     map[string]any
}

// fakeClient records publishes; other mqtt.Client methods are not used.
type fakeClient struct {
	mqtt.Client

	mu  sync.Mutex
	out []published
}

func (f *fakeClient) IsConnected() bool { return true }

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	var body map[string]any
	json.Unmarshal(payload.([]byte), &body)
	f.mu.Lock()
	f.out = append(f.out, published{topic: topic, retained: retained, body: body})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakeClient) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.out...)
}

type fakeSource struct{}

func (fakeSource) ID() string { return "s1" }
func (fakeSource) Snapshot() session.Snapshot {
	return session.Snapshot{ID: "s1", MaxClients: 4}
}

func newTestHandler(t *testing.T) (*MQTTHandler, *fakeClient, *events.EventBus) {
	t.Helper()
	cfg := config.DefaultConfig().ApplicationData.MQTT
	cfg.Enabled = true
	cfg.BrokerURL = "localhost"

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	h, err := NewMQTTHandler(cfg, bus, fakeSource{})
	if err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{}
	h.client = client
	return h, client, bus
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	cfg := config.DefaultConfig().ApplicationData.MQTT
	if _, err := NewMQTTHandler(cfg, events.NewEventBus(), fakeSource{}); err == nil {
		t.Fatal("disabled MQTT config accepted")
	}
}

func TestEventForwarding(t *testing.T) {
	h, client, bus := newTestHandler(t)
	h.subscribeEvents()

	ctx := context.Background()
	bus.EmitSync(ctx, events.Event{Type: events.EventClientAdded, Payload: events.ClientPayload{Index: 1, Name: "bob"}})
	bus.EmitSync(ctx, events.Event{Type: events.EventAlert, Payload: events.AlertPayload{Level: "warning"}})
	bus.EmitSync(ctx, events.Event{Type: events.EventShutdown})

	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].topic != "netgamedist/s1/clients" || msgs[1].topic != "netgamedist/s1/alerts" {
		t.Fatalf("topics = %q, %q", msgs[0].topic, msgs[1].topic)
	}
	if msgs[0].body["session_id"] != "s1" || msgs[0].retained {
		t.Fatalf("message = %+v", msgs[0])
	}
	payload := msgs[0].body["payload"].(map[string]any)
	if payload["event"] != string(events.EventClientAdded) {
		t.Fatalf("payload = %+v", payload)
	}

	h.unsubscribeEvents()
	bus.EmitSync(ctx, events.Event{Type: events.EventClientAdded, Payload: events.ClientPayload{}})
	if len(client.messages()) != 2 {
		t.Fatal("published after unsubscribe")
	}
}

func TestPublishStatusRetained(t *testing.T) {
	h, client, _ := newTestHandler(t)
	h.PublishStatus()

	msgs := client.messages()
	if len(msgs) != 1 || msgs[0].topic != "netgamedist/s1/status" || !msgs[0].retained {
		t.Fatalf("status = %+v", msgs)
	}
	payload := msgs[0].body["payload"].(map[string]any)
	if payload["state"] != "online" {
		t.Fatalf("payload = %+v", payload)
	}
}
