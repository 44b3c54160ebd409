// Package health reports whether the exporter can reach Zulip and scrape it.
package health

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/giygas/zulip-exporter/interfaces"
)

// DegradedAfterFailures is the number of failed scrapes in a row that degrades health
const DegradedAfterFailures = 3

// HealthCheckerImpl implements the interfaces.HealthChecker interface
type HealthCheckerImpl struct {
	status interfaces.StatusStore
	now    func() time.Time
}

// NewHealthChecker creates a new health checker with injected dependencies
func NewHealthChecker(status interfaces.StatusStore) interfaces.HealthChecker {
	return &HealthCheckerImpl{
		status: status,
		now:    time.Now,
	}
}

// HealthCheck derives health from the last upstream probe and recent scrapes.
// Used by the /health HTTP endpoint.
func (h *HealthCheckerImpl) HealthCheck() (status string, data map[string]any, httpStatus int) {
	st := h.status.Status()
	now := h.now()

	probed := !st.UpstreamChecked.IsZero()

	switch {
	case probed && !st.UpstreamHealthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable

	case st.ConsecutiveFails >= DegradedAfterFailures:
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable

	default:
		status = "healthy"
		httpStatus = http.StatusOK
	}

	uptime := now.Sub(st.ServerStartTime)

	data = map[string]any{
		"uptime":               strings.TrimSpace(humanize.RelTime(st.ServerStartTime, now, "", "")),
		"uptime_seconds":       math.Round(uptime.Seconds()),
		"scraping":             st.Scraping,
		"consecutive_failures": st.ConsecutiveFails,
		"last_scrape":          formatTime(st.LastSuccess, now),
		"last_attempt":         formatTime(st.LastAttempt, now),
		"last_scrape_ms":       st.LastDuration.Milliseconds(),
		"summary":              st.Summary,
	}
	if st.LastError != "" {
		data["last_error"] = st.LastError
	}

	upstream := map[string]any{
		"checked": formatTime(st.UpstreamChecked, now),
		"healthy": st.UpstreamHealthy,
	}
	if st.UpstreamVersion != "" {
		upstream["version"] = st.UpstreamVersion
	}
	if st.UpstreamError != "" {
		upstream["error"] = st.UpstreamError
	}
	data["upstream"] = upstream

	return status, data, httpStatus
}

// formatTime renders t with a relative form next to it, or "never"
func formatTime(t, now time.Time) map[string]string {
	if t.IsZero() {
		return map[string]string{"at": "never"}
	}
	return map[string]string{
		"at":  t.UTC().Format(time.RFC3339),
		"ago": humanize.RelTime(t, now, "ago", "from now"),
	}
}
