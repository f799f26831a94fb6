package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_ScanLifecycle(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ScanStarted(100)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.activeScans))

	pm.PortProbed("open", 5*time.Millisecond)
	pm.PortProbed("closed", time.Millisecond)
	pm.PortProbed("closed", time.Millisecond)
	pm.ScanFinished("completed", 2*time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.activeScans))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.scansTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.probesTotal.WithLabelValues("open")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.probesTotal.WithLabelValues("closed")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.probeDuration))
}

func TestPrometheusMetrics_HTTP(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.ObserveHTTPRequest(http.MethodGet, "/api/v1/scans", http.StatusOK, 10*time.Millisecond)
	pm.ObserveHTTPRequest(http.MethodGet, "/api/v1/scans", http.StatusOK, 20*time.Millisecond)
	pm.ObserveHTTPRequest(http.MethodPost, "/api/v1/scans", http.StatusBadRequest, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequests.WithLabelValues("GET", "/api/v1/scans", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequests.WithLabelValues("POST", "/api/v1/scans", "400")))
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.True(t, strings.Contains(body, "portsweep_system_uptime_seconds"), "uptime metric missing")
	assert.True(t, strings.Contains(body, "go_goroutines"), "go collector missing")
}

func TestPrometheusMetrics_PeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !pm.GetLastUpdate().IsZero()
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic updates did not stop after cancel")
	}
	assert.Positive(t, pm.GetUptime())
}

func TestGetGlobalMetrics(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
}

func TestNop(t *testing.T) {
	var m ScanMetrics = Nop{}
	m.ScanStarted(1)
	m.PortProbed("open", time.Millisecond)
	m.ScanFinished("completed", time.Second)
}
