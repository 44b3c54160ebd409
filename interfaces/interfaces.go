// Package interfaces defines core abstractions for the exporter
// to improve testability, maintainability, and separation of concerns.
package interfaces

import (
	"context"
	"net/http"
	"time"

	"github.com/giygas/zulip-exporter/zulip"
	dto "github.com/prometheus/client_model/go"
)

// ZulipAPI is the subset of the Zulip REST API the exporter reads.
// *zulip.Client implements it; tests use in-memory fakes.
type ZulipAPI interface {
	Subscriptions(ctx context.Context) ([]zulip.Stream, error)
	Topics(ctx context.Context, streamID int64) ([]zulip.Topic, error)
	Users(ctx context.Context) ([]zulip.User, error)
	Presence(ctx context.Context, userID int64) (zulip.Presence, error)
	Messages(ctx context.Context, q zulip.MessageQuery) ([]zulip.Message, error)
	MarkAllAsRead(ctx context.Context) error
	ServerSettings(ctx context.Context) (zulip.ServerSettings, error)
	Linkifiers(ctx context.Context) ([]zulip.Linkifier, error)
	CustomEmoji(ctx context.Context) (map[string]zulip.Emoji, error)
	ProfileFields(ctx context.Context) ([]zulip.ProfileField, error)
}

// Scraper runs one fetch-then-render cycle and returns the rendered metric families
type Scraper interface {
	Scrape(ctx context.Context) ([]*dto.MetricFamily, error)
}

// ScrapeSummary counts what the last successful scrape saw
type ScrapeSummary struct {
	Streams        int `json:"streams"`
	Topics         int `json:"topics"`
	Users          int `json:"users"`
	Presences      int `json:"presences"`
	UnreadMessages int `json:"unread_messages"`
}

// ScrapeStatus is the state of the last scrape and upstream probe
type ScrapeStatus struct {
	LastAttempt      time.Time
	LastSuccess      time.Time
	LastDuration     time.Duration
	LastError        string
	Scraping         bool
	Summary          ScrapeSummary
	UpstreamChecked  time.Time
	UpstreamHealthy  bool
	UpstreamVersion  string
	UpstreamError    string
	ServerStartTime  time.Time
	ConsecutiveFails int
}

// StatusStore keeps scrape and probe outcomes for the health endpoint.
// It never holds the snapshot itself.
type StatusStore interface {
	BeginScrape()
	RecordScrape(start time.Time, summary ScrapeSummary, err error)
	RecordProbe(at time.Time, version string, err error)
	Status() ScrapeStatus
}

// Scheduler defines the contract for background jobs.
type Scheduler interface {
	Start() error
	Stop()
}

// HealthChecker defines the contract for health check functionality.
type HealthChecker interface {
	// HealthCheck returns the status word, response details and HTTP status code
	HealthCheck() (status string, details map[string]any, httpStatus int)
}

// HTTPHandler defines the contract for the exporter's HTTP endpoints.
type HTTPHandler interface {
	// Metrics scrapes Zulip and writes the exposition
	Metrics(w http.ResponseWriter, r *http.Request)
	HealthCheck(w http.ResponseWriter, r *http.Request)
}
