// Package health runs periodic checks on the session server: stale
// transports, disk space for the database and the discovery responder.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/events"
	"github.com/energizer-project/netgamedist/internal/util"
)

// StaleCleaner closes transports that have been silent too long.
type StaleCleaner interface {
	CleanStale(timeout time.Duration) int
}

// SelfTester probes a local responder.
type SelfTester interface {
	SelfTest(ctx context.Context) error
}

// Manager runs periodic health checks.
type Manager struct {
	cfg       *config.Config
	bus       *events.EventBus
	links     StaleCleaner
	discovery SelfTester

	diskUsage func(path string) (*util.DiskUsage, error)
}

// NewManager creates a new health check manager. discovery may be nil.
func NewManager(cfg *config.Config, bus *events.EventBus, links StaleCleaner, discovery SelfTester) *Manager {
	return &Manager{
		cfg:       cfg,
		bus:       bus,
		links:     links,
		discovery: discovery,
		diskUsage: util.GetDiskUsage,
	}
}

// Start launches all health checks and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"stale_links", timers.GeneralHealthInterval, m.checkStaleLinks},
		{"disk_utilization", timers.GeneralHealthInterval, m.checkDiskUtilization},
		{"discovery", timers.GeneralHealthInterval, m.checkDiscovery},
	}

	started := 0
	for _, check := range checks {
		check := check
		if check.interval <= 0 {
			continue
		}
		started++

		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// checkStaleLinks closes transports idle past the stale timeout. Their
// slots are released by the listener when the connection ends.
func (m *Manager) checkStaleLinks(ctx context.Context) {
	timeout := time.Duration(m.cfg.GetApplicationData().Timers.StaleLinkTimeout) * time.Second
	if cleaned := m.links.CleanStale(timeout); cleaned > 0 {
		log.Info().Int("cleaned", cleaned).Msg("cleaned stale connections")
	}
}

// checkDiskUtilization alerts when the database volume fills up.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := filepath.Dir(m.cfg.GetApplicationData().History.Path)

	usage, err := m.diskUsage(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	var level string
	switch {
	case usage.UsedPercent >= 95:
		level = "critical"
	case usage.UsedPercent >= 90:
		level = "warning"
	default:
		return
	}

	message := fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
	log.Warn().Str("level", level).Msg(message)
	m.alert(ctx, level, "disk", message)
}

// checkDiscovery verifies the discovery responder still answers.
func (m *Manager) checkDiscovery(ctx context.Context) {
	if m.discovery == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.discovery.SelfTest(probeCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("discovery self-test failed")
		m.alert(ctx, "warning", "discovery", err.Error())
	}
}

func (m *Manager) alert(ctx context.Context, level, source, message string) {
	m.bus.Emit(ctx, events.Event{
		Type:   events.EventAlert,
		Source: "health:" + source,
		Payload: events.AlertPayload{
			Level:   level,
			Source:  source,
			Events:  1,
			Message: message,
		},
	})
}
