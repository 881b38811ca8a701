package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/events"
)

// Alert thresholds, in events per hour.
const (
	DisconnectWarningThreshold  = 10
	DisconnectCriticalThreshold = 30
	DesyncWarningThreshold      = 1
	DesyncCriticalThreshold     = 5

	maxMonitorHistory = 1000
)

// Monitor tracks disconnects and CRC desyncs reported by the server and
// raises alerts when they become frequent.
type Monitor struct {
	mu  sync.RWMutex
	bus *events.EventBus
	now func() time.Time

	reasons     map[string]*ReasonData
	disconnects []time.Time
	desyncs     []time.Time
}

// ReasonData aggregates disconnects for one reason.
type ReasonData struct {
	Reason    string    `json:"reason"`
	Total     int       `json:"total"`
	LastTime  time.Time `json:"last_time"`
	LastName  string    `json:"last_name"`
	LastIndex int       `json:"last_index"`
}

// MonitorSummary is the monitor state reported by the API.
type MonitorSummary struct {
	Reasons             []ReasonData `json:"reasons"`
	DisconnectsThisHour int          `json:"disconnects_this_hour"`
	DesyncsThisHour     int          `json:"desyncs_this_hour"`
}

// Alert is a threshold crossing.
type Alert struct {
	Source  string `json:"source"`
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// NewMonitor creates a monitor subscribed to bus.
func NewMonitor(bus *events.EventBus) *Monitor {
	m := &Monitor{
		bus:     bus,
		now:     time.Now,
		reasons: make(map[string]*ReasonData),
	}

	bus.Subscribe(events.EventClientDisconnected, "monitor", m.handleDisconnect)
	bus.Subscribe(events.EventCRCDesync, "monitor", m.handleDesync)

	return m
}

func (m *Monitor) handleDisconnect(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.DisconnectPayload)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	data, ok := m.reasons[payload.Reason]
	if !ok {
		data = &ReasonData{Reason: payload.Reason}
		m.reasons[payload.Reason] = data
	}
	data.Total++
	data.LastTime = now
	data.LastName = payload.Name
	data.LastIndex = payload.Index

	m.disconnects = appendTrimmed(m.disconnects, now)
	return nil
}

func (m *Monitor) handleDesync(ctx context.Context, event events.Event) error {
	if _, ok := event.Payload.(events.CRCResultPayload); !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.desyncs = appendTrimmed(m.desyncs, m.now())
	return nil
}

func appendTrimmed(history []time.Time, t time.Time) []time.Time {
	history = append(history, t)
	if len(history) > maxMonitorHistory {
		history = history[len(history)-maxMonitorHistory:]
	}
	return history
}

func countSince(history []time.Time, since time.Time) int {
	n := 0
	for _, t := range history {
		if t.After(since) {
			n++
		}
	}
	return n
}

// Summary returns a copy of the aggregated data.
func (m *Monitor) Summary() MonitorSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hourAgo := m.now().Add(-time.Hour)
	out := MonitorSummary{
		DisconnectsThisHour: countSince(m.disconnects, hourAgo),
		DesyncsThisHour:     countSince(m.desyncs, hourAgo),
	}
	for _, data := range m.reasons {
		out.Reasons = append(out.Reasons, *data)
	}
	return out
}

// CheckThresholds evaluates the last hour against the alert thresholds.
func (m *Monitor) CheckThresholds() []Alert {
	s := m.Summary()

	var alerts []Alert
	if a, ok := threshold("disconnects", s.DisconnectsThisHour,
		DisconnectWarningThreshold, DisconnectCriticalThreshold); ok {
		alerts = append(alerts, a)
	}
	if a, ok := threshold("desyncs", s.DesyncsThisHour,
		DesyncWarningThreshold, DesyncCriticalThreshold); ok {
		alerts = append(alerts, a)
	}
	return alerts
}

func threshold(source string, count, warning, critical int) (Alert, bool) {
	level := ""
	switch {
	case count >= critical:
		level = "critical"
	case count >= warning:
		level = "warning"
	default:
		return Alert{}, false
	}
	return Alert{
		Source:  source,
		Level:   level,
		Events:  count,
		Message: fmt.Sprintf("%d %s in the last hour", count, source),
	}, true
}

// Start begins periodic threshold checks.
func (m *Monitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, alert := range m.CheckThresholds() {
				log.Warn().
					Str("source", alert.Source).
					Str("level", alert.Level).
					Int("events", alert.Events).
					Msg("monitor threshold alert")

				m.bus.Emit(ctx, events.Event{
					Type:   events.EventAlert,
					Source: "monitor:" + alert.Source,
					Payload: events.AlertPayload{
						Level:   alert.Level,
						Source:  alert.Source,
						Events:  alert.Events,
						Message: alert.Message,
					},
				})
			}
		}
	}
}
