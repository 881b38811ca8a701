package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/util"
)

type fakeLinks struct {
	timeouts []time.Duration
}

func (f *fakeLinks) CleanStale(timeout time.Duration) int {
	f.timeouts = append(f.timeouts, timeout)
	return 1
}

type fakeDiscovery struct {
	err error
}

func (f fakeDiscovery) SelfTest(context.Context) error { return f.err }

func alertCollector(t *testing.T, bus *events.EventBus) func() []events.AlertPayload {
	t.Helper()
	var (
		mu     sync.Mutex
		alerts []events.AlertPayload
	)
	bus.Subscribe(events.EventAlert, "test", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		alerts = append(alerts, e.Payload.(events.AlertPayload))
		mu.Unlock()
		return nil
	})
	return func() []events.AlertPayload {
		bus.Stop()
		mu.Lock()
		defer mu.Unlock()
		return alerts
	}
}

func TestCheckStaleLinksUsesTimeout(t *testing.T) {
	links := &fakeLinks{}
	m := NewManager(config.DefaultConfig(), events.NewEventBus(), links, nil)

	m.checkStaleLinks(context.Background())
	if len(links.timeouts) != 1 || links.timeouts[0] != 120*time.Second {
		t.Fatalf("timeouts = %v", links.timeouts)
	}
}

func TestCheckDiskUtilization(t *testing.T) {
	tests := []struct {
		used  float64
		level string
	}{
		{50, ""},
		{91, "warning"},
		{99, "critical"},
	}
	for _, tt := range tests {
		bus := events.NewEventBus()
		collect := alertCollector(t, bus)

		m := NewManager(config.DefaultConfig(), bus, &fakeLinks{}, nil)
		m.diskUsage = func(string) (*util.DiskUsage, error) {
			return &util.DiskUsage{Total: 100, Free: uint64(100 - tt.used), UsedPercent: tt.used}, nil
		}
		m.checkDiskUtilization(context.Background())

		alerts := collect()
		if tt.level == "" {
			if len(alerts) != 0 {
				t.Errorf("used %.0f%%: unexpected alerts %v", tt.used, alerts)
			}
			continue
		}
		if len(alerts) != 1 || alerts[0].Level != tt.level || alerts[0].Source != "disk" {
			t.Errorf("used %.0f%%: alerts = %v", tt.used, alerts)
		}
	}
}

func TestCheckDiscovery(t *testing.T) {
	bus := events.NewEventBus()
	collect := alertCollector(t, bus)

	NewManager(config.DefaultConfig(), bus, &fakeLinks{}, fakeDiscovery{}).checkDiscovery(context.Background())
	NewManager(config.DefaultConfig(), bus, &fakeLinks{}, fakeDiscovery{err: errors.New("no reply")}).checkDiscovery(context.Background())

	alerts := collect()
	if len(alerts) != 1 || alerts[0].Source != "discovery" {
		t.Fatalf("alerts = %v", alerts)
	}
}
