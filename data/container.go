// Package data keeps the exporter's process-wide scrape status with atomic
// operations. The Zulip snapshot itself is never stored here: it is passed
// from fetcher to collector inside one scrape.
package data

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/giygas/zulip-exporter/interfaces"
)

// Compile-time check to ensure StatusContainer implements StatusStore
var _ interfaces.StatusStore = (*StatusContainer)(nil)

type scrapeRecord struct {
	attempt  time.Time
	success  time.Time
	duration time.Duration
	err      string
	summary  interfaces.ScrapeSummary
	fails    int
}

type probeRecord struct {
	checked time.Time
	healthy bool
	version string
	err     string
}

// StatusContainer holds the last scrape and probe outcomes
type StatusContainer struct {
	scrape          atomic.Pointer[scrapeRecord]
	probe           atomic.Pointer[probeRecord]
	scraping        atomic.Bool
	serverStartTime time.Time
	// mu orders RecordScrape calls so fails counts stay consistent
	mu sync.Mutex
}

// NewStatusContainer creates an empty status container
func NewStatusContainer() *StatusContainer {
	sc := &StatusContainer{serverStartTime: time.Now()}
	sc.scrape.Store(&scrapeRecord{})
	sc.probe.Store(&probeRecord{})
	return sc
}

// BeginScrape marks a scrape as in progress
func (sc *StatusContainer) BeginScrape() {
	sc.scraping.Store(true)
}

// RecordScrape stores the outcome of the scrape that started at start
func (sc *StatusContainer) RecordScrape(start time.Time, summary interfaces.ScrapeSummary, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	prev := sc.scrape.Load()
	next := &scrapeRecord{
		attempt:  start,
		success:  prev.success,
		duration: time.Since(start),
		summary:  prev.summary,
	}

	if err != nil {
		next.err = err.Error()
		next.fails = prev.fails + 1
	} else {
		next.success = start
		next.summary = summary
	}

	sc.scrape.Store(next)
	sc.scraping.Store(false)
}

// RecordProbe stores the outcome of an upstream probe
func (sc *StatusContainer) RecordProbe(at time.Time, version string, err error) {
	rec := &probeRecord{checked: at, healthy: err == nil, version: version}
	if err != nil {
		rec.err = err.Error()
	}
	sc.probe.Store(rec)
}

// Status returns a consistent copy of the current status
func (sc *StatusContainer) Status() interfaces.ScrapeStatus {
	scrape := sc.scrape.Load()
	probe := sc.probe.Load()

	return interfaces.ScrapeStatus{
		LastAttempt:      scrape.attempt,
		LastSuccess:      scrape.success,
		LastDuration:     scrape.duration,
		LastError:        scrape.err,
		Scraping:         sc.scraping.Load(),
		Summary:          scrape.summary,
		UpstreamChecked:  probe.checked,
		UpstreamHealthy:  probe.healthy,
		UpstreamVersion:  probe.version,
		UpstreamError:    probe.err,
		ServerStartTime:  sc.serverStartTime,
		ConsecutiveFails: scrape.fails,
	}
}
