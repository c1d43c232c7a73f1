package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Refresh(RefreshSuccess)
	m.Refresh(RefreshShared)
	m.Refresh(RefreshShared)
	m.Request("GET", "ok")
	m.RateLimited("fcm.save")
	m.SetConnected(true)

	if got := testutil.ToFloat64(m.refreshes.WithLabelValues(RefreshShared)); got != 2 {
		t.Errorf("shared refreshes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "ok")); got != 1 {
		t.Errorf("GET ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	m.SetConnected(false)
	if got := testutil.ToFloat64(m.connected); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Refresh(RefreshFailure)
	m.Request("POST", "unauthorized")
	m.RealtimeEvent("in", "typing")
	m.RateLimited("fcm.list")
	m.SetConnected(true)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RealtimeEvent("in", "newPrivateMessage")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `chatsync_realtime_events_total{direction="in",event="newPrivateMessage"} 1`) {
		t.Errorf("metrics output missing realtime counter:\n%s", body)
	}
}
