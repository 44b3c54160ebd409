// Package handlers provides the exporter's HTTP handlers: the Prometheus
// exposition on /metrics and the JSON health report on /health.
package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/giygas/zulip-exporter/interfaces"
	"github.com/giygas/zulip-exporter/logging"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Compile-time check to ensure HTTPHandlerImpl implements HTTPHandler interface
var _ interfaces.HTTPHandler = (*HTTPHandlerImpl)(nil)

// HTTPHandlerImpl implements the interfaces.HTTPHandler interface
type HTTPHandlerImpl struct {
	scraper interfaces.Scraper
	health  interfaces.HealthChecker
	// self holds the exporter's own metrics, served next to the Zulip ones
	self prometheus.Gatherer
}

// NewHTTPHandler creates a new HTTP handler with injected dependencies
func NewHTTPHandler(scraper interfaces.Scraper, health interfaces.HealthChecker, self prometheus.Gatherer) *HTTPHandlerImpl {
	return &HTTPHandlerImpl{
		scraper: scraper,
		health:  health,
		self:    self,
	}
}

// HealthResponse defines the structure for consistent JSON ordering
type HealthResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data"`
	System map[string]any `json:"system"`
}

// RespondWithJSON writes a JSON response
func (h *HTTPHandlerImpl) RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(code)
	w.Write(data)
}

// Metrics runs one scrape and writes its families with the exporter's own
// metrics. A failed scrape answers 500 with the error text and no metrics.
func (h *HTTPHandlerImpl) Metrics(w http.ResponseWriter, r *http.Request) {
	families, err := h.scraper.Scrape(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}

	gatherers := prometheus.Gatherers{
		prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) { return families, nil }),
	}
	if h.self != nil {
		gatherers = append(gatherers, h.self)
	}

	promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}).ServeHTTP(w, r)
}

// HealthCheck returns exporter health information
func (h *HTTPHandlerImpl) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status, data, httpStatus := h.health.HealthCheck()

	response := HealthResponse{
		Status: status,
		Data:   data,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb": int(m.Alloc / 1024 / 1024),
				"sys_mb":   int(m.Sys / 1024 / 1024),
				"num_gc":   m.NumGC,
			},
		},
	}

	h.RespondWithJSON(w, httpStatus, response)
}
