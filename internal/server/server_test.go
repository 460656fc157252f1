package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T, opts Options, reg *prometheus.Registry) *Server {
	t.Helper()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return New(opts, reg, nil)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Options{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("expected body to contain ok, got %q", rec.Body.String())
	}
}

func TestHandleMetricsExportsRegisteredCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_metric_total", Help: "test"})
	counter.Add(3)
	reg.MustRegister(counter)

	s := newTestServer(t, Options{}, reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_metric_total 3") {
		t.Fatalf("expected registered counter in output, got %q", rec.Body.String())
	}
}

func TestHandleMetricsRespectsCustomPaths(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Options{MetricsPath: "/custom-metrics", HealthPath: "/ready"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/custom-metrics", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected custom metrics path to respond 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected custom health path to respond 200, got %d", rec.Code)
	}
}

type slowCollector struct {
	delay time.Duration
}

func (c slowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- prometheus.NewDesc("slow_metric", "slow", nil, nil)
}

func (c slowCollector) Collect(ch chan<- prometheus.Metric) {
	time.Sleep(c.delay)
	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc("slow_metric", "slow", nil, nil),
		prometheus.GaugeValue, 1,
	)
}

func TestHandleMetricsTimesOutOnSlowCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(slowCollector{delay: 50 * time.Millisecond})

	s := newTestServer(t, Options{ScrapeTimeout: 5 * time.Millisecond}, reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rec.Code)
	}
}
