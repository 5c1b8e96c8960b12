package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.ObserveCycle("committed")
	m.ObserveCycle("committed")
	m.ObservePoint("AppConsistent")
	m.ObserveStaged(512)
	m.ObservePruned(3)
	m.ObserveDegraded()
	m.SetLag("item-1", 90*time.Second)
	m.ObserveFailover("succeeded", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncCycles.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryPoints.WithLabelValues("AppConsistent")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.StagedBytes))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PrunedPoints))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.ReplicationLag.WithLabelValues("item-1")))

	m.ForgetItem("item-1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.ReplicationLag))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodGet, "/api/v1/items", 200, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `siterecovery_http_requests_total{method="GET",route="/api/v1/items",status="200"} 1`))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle("x")
		m.ObservePoint("x")
		m.ObserveStaged(1)
		m.ObserveDegraded()
		m.SetLag("a", time.Second)
		m.ObserveFailover("x", time.Second)
		m.ObserveRequest("GET", "/", 200, time.Second)
	})
}
