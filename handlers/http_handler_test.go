package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type mockScraper struct {
	families []*dto.MetricFamily
	err      error
	calls    int
}

func (m *mockScraper) Scrape(ctx context.Context) ([]*dto.MetricFamily, error) {
	m.calls++
	return m.families, m.err
}

type mockHealthChecker struct {
	status     string
	details    map[string]any
	httpStatus int
}

func (m *mockHealthChecker) HealthCheck() (string, map[string]any, int) {
	return m.status, m.details, m.httpStatus
}

// gatherOne renders a single gauge into families the way a scrape would
func gatherOne(t *testing.T, name string, value float64) []*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: "test gauge"})
	g.Set(value)
	reg.MustRegister(g)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return families
}

func TestNewHTTPHandler(t *testing.T) {
	handler := NewHTTPHandler(&mockScraper{}, &mockHealthChecker{}, nil)

	if handler == nil {
		t.Fatal("NewHTTPHandler returned nil")
	}
}

func TestRespondWithJSON(t *testing.T) {
	handler := NewHTTPHandler(&mockScraper{}, &mockHealthChecker{}, nil)

	rr := httptest.NewRecorder()
	handler.RespondWithJSON(rr, http.StatusCreated, map[string]string{"hello": "world"})

	if rr.Code != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Unexpected content type %q", ct)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"hello":"world"}` {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestMetricsSuccess(t *testing.T) {
	scraper := &mockScraper{families: gatherOne(t, "zulip_streams_total", 3)}
	self := prometheus.NewRegistry()
	selfCounter := prometheus.NewCounter(prometheus.CounterOpts{Name: "zulip_exporter_test_total", Help: "self metric"})
	selfCounter.Inc()
	self.MustRegister(selfCounter)

	handler := NewHTTPHandler(scraper, &mockHealthChecker{}, self)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.Metrics(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, "zulip_streams_total 3") {
		t.Errorf("Expected scraped metric in body, got:\n%s", body)
	}
	if !strings.Contains(body, "zulip_exporter_test_total 1") {
		t.Errorf("Expected self metric in body, got:\n%s", body)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Expected text exposition, got %q", ct)
	}
	if scraper.calls != 1 {
		t.Errorf("Expected one scrape per request, got %d", scraper.calls)
	}
}

func TestMetricsFailure(t *testing.T) {
	scraper := &mockScraper{err: errors.New("failed to fetch from Zulip: users: boom")}
	handler := NewHTTPHandler(scraper, &mockHealthChecker{}, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.Metrics(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rr.Code)
	}
	if body := rr.Body.String(); body != "failed to fetch from Zulip: users: boom" {
		t.Errorf("Expected error text as body, got %q", body)
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		httpStatus   int
		expectedCode int
	}{
		{"healthy", "healthy", http.StatusOK, http.StatusOK},
		{"degraded", "degraded", http.StatusServiceUnavailable, http.StatusServiceUnavailable},
		{"unhealthy", "unhealthy", http.StatusServiceUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockHealthChecker{
				status:     tt.status,
				details:    map[string]any{"consecutive_failures": 0},
				httpStatus: tt.httpStatus,
			}
			handler := NewHTTPHandler(&mockScraper{}, checker, nil)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rr := httptest.NewRecorder()
			handler.HealthCheck(rr, req)

			if rr.Code != tt.expectedCode {
				t.Errorf("Expected status %d, got %d", tt.expectedCode, rr.Code)
			}

			var resp HealthResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Health response should be valid JSON: %v", err)
			}
			if resp.Status != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, resp.Status)
			}
			if _, ok := resp.Data["consecutive_failures"]; !ok {
				t.Error("Expected health details in data")
			}
			if _, ok := resp.System["goroutines"]; !ok {
				t.Error("Expected goroutines in system")
			}
		})
	}
}
