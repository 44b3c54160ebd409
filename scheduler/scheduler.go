// Package scheduler runs the exporter's background jobs: a periodic probe of
// the Zulip server settings and a check that scrapes keep coming in.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/giygas/zulip-exporter/interfaces"
	"github.com/giygas/zulip-exporter/logging"
	"github.com/go-co-op/gocron"
)

// Compile-time check to ensure Scheduler implements Scheduler interface
var _ interfaces.Scheduler = (*Scheduler)(nil)

// probeTimeout bounds one server_settings call
const probeTimeout = 10 * time.Second

// staleFactor times the interval without a successful scrape triggers a warning
const staleFactor = 3

// Scheduler probes Zulip and watches scrape freshness
type Scheduler struct {
	api       interfaces.ZulipAPI
	status    interfaces.StatusStore
	interval  time.Duration
	scheduler *gocron.Scheduler
	now       func() time.Time
}

// NewScheduler creates a new scheduler instance with injected dependencies
func NewScheduler(api interfaces.ZulipAPI, status interfaces.StatusStore, interval time.Duration) *Scheduler {
	return &Scheduler{
		api:       api,
		status:    status,
		interval:  interval,
		scheduler: gocron.NewScheduler(time.Local),
		now:       time.Now,
	}
}

// Start probes once, then schedules the probe and the staleness check every interval.
// An unreachable Zulip does not prevent startup, it is reported by /health.
func (s *Scheduler) Start() error {
	s.probe()

	_, err := s.scheduler.Every(s.interval).WaitForSchedule().Do(s.probe)
	if err != nil {
		logging.Error("Failed to schedule upstream probe", "error", err)
		return fmt.Errorf("failed to schedule upstream probe: %w", err)
	}

	_, err = s.scheduler.Every(s.interval).WaitForSchedule().Do(func() { s.checkStaleness() })
	if err != nil {
		logging.Error("Failed to schedule staleness check", "error", err)
		return fmt.Errorf("failed to schedule staleness check: %w", err)
	}

	s.scheduler.StartAsync()
	logging.Info("Scheduler started", "interval", s.interval.String())

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// probe reads the server settings and records the outcome
func (s *Scheduler) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	at := s.now()
	settings, err := s.api.ServerSettings(ctx)
	if err != nil {
		logging.Error("Zulip server unreachable", "error", err)
		s.status.RecordProbe(at, "", err)
		return
	}

	logging.Debug("Zulip server reachable", "version", settings.ZulipVersion, "realm", settings.RealmAddress())
	s.status.RecordProbe(at, settings.ZulipVersion, nil)
}

// checkStaleness warns when scrapes stopped succeeding, once at least one did
func (s *Scheduler) checkStaleness() bool {
	st := s.status.Status()
	if st.LastSuccess.IsZero() {
		return false
	}

	limit := staleFactor * s.interval
	age := s.now().Sub(st.LastSuccess)
	if age <= limit {
		return false
	}

	logging.Warn("No successful scrape recently",
		"last_success", st.LastSuccess.Format(time.RFC3339),
		"age", age.Round(time.Second).String(),
		"limit", limit.String(),
		"consecutive_failures", st.ConsecutiveFails,
	)
	return true
}
