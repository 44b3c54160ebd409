// Package scraper runs one fetch-then-render cycle per /metrics request.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giygas/zulip-exporter/collector"
	"github.com/giygas/zulip-exporter/interfaces"
	"github.com/giygas/zulip-exporter/logging"
	"github.com/giygas/zulip-exporter/metrics"
	"github.com/giygas/zulip-exporter/snapshot"
	"github.com/giygas/zulip-exporter/validation"
	"github.com/giygas/zulip-exporter/zulip"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Compile-time check to ensure Scraper implements interfaces.Scraper
var _ interfaces.Scraper = (*Scraper)(nil)

// Fetcher reads one snapshot, *snapshot.Fetcher implements it
type Fetcher interface {
	Fetch(ctx context.Context) (*snapshot.Snapshot, error)
}

// Scraper serializes scrapes: a fetch marks messages as read, so two
// overlapping cycles would split the unread messages between them.
type Scraper struct {
	fetcher   Fetcher
	status    interfaces.StatusStore
	validator *validation.DataValidator
	timeout   time.Duration
	// sem holds one token while a cycle runs
	sem chan struct{}
	now func() time.Time
}

// New creates a scraper. A zero timeout leaves the request context as the only deadline.
func New(fetcher Fetcher, status interfaces.StatusStore, timeout time.Duration) *Scraper {
	return &Scraper{
		fetcher:   fetcher,
		status:    status,
		validator: validation.NewDataValidator(),
		timeout:   timeout,
		sem:       make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Scrape waits for any running cycle, fetches a fresh snapshot and renders it.
// On error no families are returned.
func (s *Scraper) Scrape(ctx context.Context) ([]*dto.MetricFamily, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for running scrape: %w", ctx.Err())
	}
	defer func() { <-s.sem }()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	s.status.BeginScrape()

	families, summary, err := s.scrape(ctx)

	elapsed := s.now().Sub(start)
	s.status.RecordScrape(start, summary, err)
	reason := failureReason(err)
	metrics.ObserveScrape(elapsed, reason)

	if err != nil {
		logging.Error("Scrape failed", "error", err, "reason", reason, "duration_ms", elapsed.Milliseconds())
		return nil, err
	}

	logging.Info("Scrape completed",
		"duration_ms", elapsed.Milliseconds(),
		"streams", summary.Streams,
		"topics", summary.Topics,
		"users", summary.Users,
		"unread_messages", summary.UnreadMessages,
	)
	return families, nil
}

// failureReason classifies a scrape error for the scrape_errors_total label
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, snapshot.ErrMarkAsRead):
		return "mark_as_read"
	case zulip.IsAPIError(err):
		return "api_error"
	case errors.Is(err, snapshot.ErrFetch):
		return "transport_error"
	}
	return "render_error"
}

func (s *Scraper) scrape(ctx context.Context) ([]*dto.MetricFamily, interfaces.ScrapeSummary, error) {
	snap, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, interfaces.ScrapeSummary{}, err
	}
	if snap == nil {
		return nil, interfaces.ScrapeSummary{}, collector.ErrNoSnapshot
	}

	if err := s.validator.ValidateSnapshot(snap); err != nil {
		logging.Warn("Snapshot failed validation, rendering anyway", "error", err)
	}
	validation.LogReport(s.validator.ReportDataQuality(snap))

	// A fresh registry per scrape, nothing survives into the next one
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector.New(snap, s.now())); err != nil {
		return nil, interfaces.ScrapeSummary{}, fmt.Errorf("registering collector: %w", err)
	}

	families, err := reg.Gather()
	if err != nil {
		return nil, interfaces.ScrapeSummary{}, fmt.Errorf("rendering metrics: %w", err)
	}

	return families, snap.Summary(), nil
}
