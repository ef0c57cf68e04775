package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.ObserveOperation("deliver", "", 10*time.Millisecond)
	m.ObserveOperation("deliver", "PARTIAL_FAILURE", time.Millisecond)
	m.CacheLookup("active", "hit")
	m.CacheLookup("active", "hit")
	m.Desync()
	m.Rollback("pay")
	m.Settlement("offline")
	m.ObserveRequest("/orders", 200)
	m.Throttled()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deliver", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deliver", "PARTIAL_FAILURE")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cache.WithLabelValues("active", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.desyncs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("pay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.throttles))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("cancel", "ok", time.Second)
		m.CacheLookup("placer", "load")
		m.Desync()
		m.Rollback("store")
		m.Settlement("direct")
		m.ObserveRequest("", 500)
		m.Throttled()
	})
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	m.Desync()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "buyorders_market_critical_desync_total 1"))
}
