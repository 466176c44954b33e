package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/reconciler/internal/observability"
)

func TestRouterHealthAndReadiness(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	down := false
	router := NewRouter(RouterParams{
		Logger:  logger,
		Config:  &Config{AppEnv: "test"},
		Metrics: observability.NewMetrics(),
		Checks: map[string]Pinger{
			"postgres": PingFunc(func(context.Context) error {
				if down {
					return errors.New("connection refused")
				}
				return nil
			}),
		},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("X-Frame-Options"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"postgres":"up"`)

	down = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "reconciler_http_requests_total"))
}

func TestNewLoggerFormats(t *testing.T) {
	var buf strings.Builder
	newLogger(&buf, &Config{AppEnv: "production", LogFormat: "json"}).Info("hello")
	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"env":"production"`)

	buf.Reset()
	newLogger(&buf, &Config{AppEnv: "production"}).Debug("quiet")
	require.Empty(t, buf.String())
}
