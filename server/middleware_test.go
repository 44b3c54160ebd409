package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/giygas/zulip-exporter/config"
	"github.com/giygas/zulip-exporter/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenCost(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Rate: 1, Capacity: 60, MetricsCost: 10})

	tests := []struct {
		name         string
		path         string
		expectedCost int64
	}{
		{"index", "/", 0},
		{"metrics", "/metrics", 10},
		{"health", "/health", 1},
		{"unknown", "/unknown", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if cost := rl.tokenCost(req); cost != tt.expectedCost {
				t.Errorf("Expected cost %d for %s, got %d", tt.expectedCost, tt.path, cost)
			}
		})
	}
}

func TestNewRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{})
	if rl.opts.Rate != 1 || rl.opts.Capacity != 60 {
		t.Errorf("Expected 1/s and 60 tokens, got %g/s and %d", rl.opts.Rate, rl.opts.Capacity)
	}
	rl.Stop()
}

func scrapeFrom(handler http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = addr
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRateLimitHandler(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Rate: 1, Capacity: 60, MetricsCost: 10})
	handler := rl.Handler(okHandler())

	// 60 tokens cover 6 scrapes, the 7th is refused
	for i := 0; i < 6; i++ {
		if rr := scrapeFrom(handler, "192.0.2.10"); rr.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := scrapeFrom(handler, "192.0.2.10")
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	if rr.Header().Get("X-RateLimit-Limit") != "60" {
		t.Errorf("Expected limit 60, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}

	// Another client has its own bucket
	if rr := scrapeFrom(handler, "192.0.2.11"); rr.Code != http.StatusOK {
		t.Errorf("Expected other client to pass, got %d", rr.Code)
	}
}

func TestRefusedRequestKeepsTokens(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Rate: 1, Capacity: 15, MetricsCost: 10})
	handler := rl.Handler(okHandler())

	if rr := scrapeFrom(handler, "192.0.2.20"); rr.Code != http.StatusOK {
		t.Fatalf("Expected first scrape to pass, got %d", rr.Code)
	}

	bucket := rl.getBucket("192.0.2.20")
	before := bucket.Available()
	if before >= 10 {
		t.Fatalf("Expected fewer than 10 tokens left, got %d", before)
	}

	for i := 0; i < 3; i++ {
		if rr := scrapeFrom(handler, "192.0.2.20"); rr.Code != http.StatusTooManyRequests {
			t.Fatalf("Expected 429, got %d", rr.Code)
		}
	}

	if after := bucket.Available(); after < before {
		t.Errorf("Refused requests took tokens: %d before, %d after", before, after)
	}
}

func TestThrottledClientRecovers(t *testing.T) {
	// 100 tokens/s: a 10 token scrape is refilled every 100ms
	rl := NewRateLimiter(RateLimiterOptions{Rate: 100, Capacity: 20, MetricsCost: 10})
	handler := rl.Handler(okHandler())

	for scrapeFrom(handler, "192.0.2.30").Code == http.StatusOK {
	}

	// Scraping faster than the refill must still get through regularly
	passed := 0
	for i := 0; i < 10; i++ {
		time.Sleep(60 * time.Millisecond)
		if scrapeFrom(handler, "192.0.2.30").Code == http.StatusOK {
			passed++
		}
	}
	if passed < 3 {
		t.Errorf("Expected the throttled client to recover, only %d of 10 scrapes passed", passed)
	}
}

func TestMetricsCanBeExempt(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Rate: 1, Capacity: 1, MetricsCost: 0})
	handler := rl.Handler(okHandler())

	for i := 0; i < 20; i++ {
		if rr := scrapeFrom(handler, "192.0.2.40"); rr.Code != http.StatusOK {
			t.Fatalf("Request %d: expected exempt /metrics to pass, got %d", i+1, rr.Code)
		}
	}
}

func TestRateLimiterBucketsGauge(t *testing.T) {
	rl := NewRateLimiter(RateLimiterOptions{Rate: 1, Capacity: 60, MetricsCost: 10})
	rl.getBucket("198.51.100.1")
	rl.getBucket("198.51.100.2")

	if got := testutil.ToFloat64(metrics.RateLimiterBucketsTotal); got != 2 {
		t.Errorf("Expected 2 buckets, got %v", got)
	}

	// Untouched buckets are full and get removed
	rl.removeIdle()
	if got := testutil.ToFloat64(metrics.RateLimiterBucketsTotal); got != 0 {
		t.Errorf("Expected idle buckets removed, got %v", got)
	}
	rl.Stop()
	rl.Stop()
}

func TestRealIPMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		xff      string
		expected string
	}{
		{"single ip", "203.0.113.1", "203.0.113.1"},
		{"chain", "203.0.113.1, 10.0.0.1", "203.0.113.1"},
		{"no header", "", "192.168.1.1:12345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			var seen string
			RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.RemoteAddr
			})).ServeHTTP(httptest.NewRecorder(), req)

			if seen != tt.expected {
				t.Errorf("Expected RemoteAddr %q, got %q", tt.expected, seen)
			}
		})
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	cfg := &config.Config{MaxRequestBody: 100, MaxHeaderSize: 200}
	handler := RequestSizeMiddleware(cfg)(okHandler())

	tests := []struct {
		name         string
		body         string
		header       string
		expectedCode int
	}{
		{"small request", "hello", "", http.StatusOK},
		{"body too large", strings.Repeat("a", 101), "", http.StatusRequestEntityTooLarge},
		{"headers too large", "", strings.Repeat("h", 250), http.StatusRequestHeaderFieldsTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/metrics", strings.NewReader(tt.body))
			req.Header.Set("Content-Length", strconv.Itoa(len(tt.body)))
			if tt.header != "" {
				req.Header.Set("X-Padding", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedCode {
				t.Errorf("Expected %d, got %d", tt.expectedCode, rr.Code)
			}
			if tt.expectedCode != http.StatusOK && !strings.Contains(rr.Body.String(), "too large") {
				t.Errorf("Expected JSON error body, got %s", rr.Body.String())
			}
		})
	}
}
