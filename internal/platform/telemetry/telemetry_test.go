package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	e := echo.New()
	e.GET("/metrics", m.Handler())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.ObserveAttempt(OutcomeSynced)
	m.ObserveAttempt(OutcomeSynced)
	m.ObserveAttempt(OutcomeRetry)
	m.ObserveCycle(250 * time.Millisecond)
	m.ObserveCache(CacheHit)
	m.SetQueueDepth(map[string]int{"pending": 3, "failed": 1})

	body := scrape(t, m)

	for _, want := range []string{
		`eyear_sync_attempts_total{outcome="synced"} 2`,
		`eyear_sync_attempts_total{outcome="retry"} 1`,
		`eyear_sync_queue_depth{status="pending"} 3`,
		`eyear_sync_queue_depth{status="synced"} 0`,
		`eyear_cache_lookups_total{result="hit"} 1`,
		"eyear_sync_cycle_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestQueueDepthSnapshotZeroesAbsent(t *testing.T) {
	m := New()
	m.SetQueueDepth(map[string]int{"pending": 5})
	m.SetQueueDepth(map[string]int{"failed": 2})

	body := scrape(t, m)
	if !strings.Contains(body, `eyear_sync_queue_depth{status="pending"} 0`) {
		t.Error("stale pending depth not zeroed")
	}
	if !strings.Contains(body, `eyear_sync_queue_depth{status="failed"} 2`) {
		t.Error("failed depth not recorded")
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAttempt(OutcomeSynced)
	m.ObserveCycle(time.Second)
	m.ObserveCache(CacheMiss)
	m.SetQueueDepth(nil)
}
