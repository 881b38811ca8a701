package session

import (
	"context"
	"testing"
	"time"

	"github.com/energizer-project/netgamedist/internal/events"
)

func TestMonitorThresholds(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	m := NewMonitor(bus)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < DisconnectWarningThreshold; i++ {
		bus.EmitSync(ctx, events.Event{
			Type:    events.EventClientDisconnected,
			Payload: events.DisconnectPayload{Index: i % 2, Name: "p", Reason: "desynced"},
		})
	}
	bus.EmitSync(ctx, events.Event{
		Type:    events.EventCRCDesync,
		Payload: events.CRCResultPayload{Best: 1, Failed: []int{1}},
	})

	summary := m.Summary()
	if summary.DisconnectsThisHour != DisconnectWarningThreshold || summary.DesyncsThisHour != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Reasons) != 1 || summary.Reasons[0].Total != DisconnectWarningThreshold {
		t.Fatalf("reasons = %+v", summary.Reasons)
	}

	alerts := m.CheckThresholds()
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v", alerts)
	}
	for _, a := range alerts {
		if a.Level != "warning" {
			t.Errorf("%s level = %s", a.Source, a.Level)
		}
	}

	// an hour later everything has aged out
	m.now = func() time.Time { return base.Add(61 * time.Minute) }
	if alerts := m.CheckThresholds(); len(alerts) != 0 {
		t.Fatalf("stale alerts = %+v", alerts)
	}
}

func TestMonitorIgnoresForeignPayloads(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()

	m := NewMonitor(bus)
	bus.EmitSync(context.Background(), events.Event{Type: events.EventClientDisconnected, Payload: "junk"})
	if s := m.Summary(); s.DisconnectsThisHour != 0 {
		t.Fatalf("summary = %+v", s)
	}
}
