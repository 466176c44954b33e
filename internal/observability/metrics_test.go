package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesRuntimeCollectors(t *testing.T) {
	body := scrape(t, NewMetrics())
	require.Contains(t, body, "go_goroutines")
	require.Contains(t, body, "reconciler_http_requests_in_flight 0")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/api/v1/invoices/{id}/match")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices/7/match", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	got := testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodPost, "/api/v1/invoices/{id}/match", "409"))
	require.Equal(t, float64(1), got)
	require.Contains(t, scrape(t, metrics), `reconciler_http_request_duration_seconds_bucket{route="/api/v1/invoices/{id}/match"`)
}

func TestMetricsMiddlewareDefaultsStatusAndRoute(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues(http.MethodGet, unmatchedRoute, "200")))
}

func TestNilMetricsIsUnavailable(t *testing.T) {
	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	require.NotNil(t, metrics.Middleware(next))
}

func TestRegistererAcceptsEngineCollectors(t *testing.T) {
	metrics := NewMetrics()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "reconciler_test_total", Help: "test"})
	metrics.Registerer().MustRegister(counter)
	counter.Inc()

	if !strings.Contains(scrape(t, metrics), "reconciler_test_total 1") {
		t.Fatalf("expected custom collector in output")
	}
}
