// Package scheduler runs the periodic background tasks of the session
// server: stats sampling and the daily history prune.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netgamedist/internal/config"
	"github.com/energizer-project/netgamedist/internal/events"
)

// Sampler closes a stats sampling interval.
type Sampler interface {
	Sample(now time.Time) events.StatsSamplePayload
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	sampler Sampler
	pruner  Pruner
	now     func() time.Time
}

// NewScheduler creates a new task scheduler. pruner may be nil when
// history is disabled.
func NewScheduler(cfg *config.Config, sampler Sampler, pruner Pruner) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		sampler: sampler,
		pruner:  pruner,
		now:     time.Now,
	}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	app := s.cfg.GetApplicationData()

	go s.runSamplerLoop(ctx, time.Duration(app.Timers.SampleInterval)*time.Second)

	if app.History.Enabled && s.pruner != nil {
		go s.runPruneLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runSamplerLoop closes a sampling interval every period.
func (s *Scheduler) runSamplerLoop(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := s.sampler.Sample(s.now())
			log.Debug().
				Int("clients", sample.ClientCount).
				Int("ocnt", sample.OutCount).
				Bool("valid", sample.OutValid).
				Msg("stats sampled")
		}
	}
}

// runPruneLoop runs the history prune at the configured time daily.
func (s *Scheduler) runPruneLoop(ctx context.Context) {
	for {
		nextRun := s.nextPruneTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("history prune scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunPrune()
		}
	}
}

// RunPrune deletes history older than the retention period.
func (s *Scheduler) RunPrune() {
	days := s.cfg.GetApplicationData().History.RetentionDays
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	if _, err := s.pruner.Prune(cutoff); err != nil {
		log.Error().Err(err).Msg("history prune failed")
	}
}

// nextPruneTime returns the next occurrence of the configured HH:MM.
func (s *Scheduler) nextPruneTime() time.Time {
	parts := strings.Split(s.cfg.GetApplicationData().History.PruneTime, ":")

	hour, minute := 4, 0
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
