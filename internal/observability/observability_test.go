package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/kiln/internal/config"
)

// counterValue returns the value of the counter series with the given
// labels, or -1 when absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return -1
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range metric.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestNewAllDisabled(t *testing.T) {
	obs, err := New(context.Background(), config.ObservabilityConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, obs.Metrics)
	assert.Nil(t, obs.Tracing)
	assert.NotNil(t, obs.Tracer())
	obs.Shutdown(context.Background())
}

func TestNilObservability(t *testing.T) {
	var obs *Observability
	assert.NotNil(t, obs.Tracer())
	obs.Shutdown(context.Background())

	var m *MetricsCollector
	m.ObserveToolCall("add", "ok", time.Second)
	m.ObserveExecution("success", "", time.Second)
}

func TestObserveToolCall(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveToolCall("add", "ok", 20*time.Millisecond)
	m.ObserveToolCall("add", "ok", 30*time.Millisecond)
	m.ObserveToolCall("add", "tool_error", time.Millisecond)

	assert.Equal(t, 2.0, counterValue(t, m.Registry, "kiln_tool_calls_total",
		map[string]string{"tool": "add", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, m.Registry, "kiln_tool_calls_total",
		map[string]string{"tool": "add", "outcome": "tool_error"}))
}

func TestObserveExecution(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveExecution("error", "TimedOut", 3*time.Second)

	assert.Equal(t, 1.0, counterValue(t, m.Registry, "kiln_executions_total",
		map[string]string{"status": "error", "category": "TimedOut"}))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := NewMetricsCollector()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/executions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a1", "b2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/executions/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 2.0, counterValue(t, m.Registry, "kiln_http_requests_total",
		map[string]string{"method": http.MethodGet, "route": "/api/executions/{id}", "status_code": "404"}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "kiln_http_requests_total"))
}
