package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLogLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel("verbose"))
}

func TestLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "keeper", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Str("vault_id", "v1").Msg("vault refreshed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "keeper", line["component"])
	assert.Equal(t, "vault refreshed", line["message"])
	assert.Contains(t, line, "time")
}

func readiness(h *HealthChecker) (int, map[string]any) {
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec.Code, body
}

func TestReadinessChecks(t *testing.T) {
	h := NewHealthChecker()
	var dbErr error
	h.AddCheck("postgres", func(context.Context) error { return dbErr })

	code, _ := readiness(h)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.SetReady(true)
	code, body := readiness(h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"postgres"}, body["checks"])

	dbErr = errors.New("connection refused")
	code, body = readiness(h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"postgres": "connection refused"}, body["failed"])

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRegisterOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	m.TxApplied.WithLabelValues("LiquidityDeposited").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TxApplied.WithLabelValues("LiquidityDeposited")))

	// a second set on the same registry collides
	assert.Panics(t, func() { NewMetricsWith(reg) })
}
