package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("draft", "searching", "match_triggered")
	m.NotificationAttempt("webhook", "sent")
	m.BreakerState("webhook", 2)
	m.SweepObserved(time.Second, 1, 1)
	m.HTTPRequest("/v1/requests", http.MethodGet, http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRecordersUpdateCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry, registry)

	m.Transition("searching", "awaiting_decision", "routed")
	m.Transition("searching", "awaiting_decision", "routed")
	m.NotificationAttempt("telegram", "failed")
	m.BreakerState("telegram", 2)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("searching", "awaiting_decision", "routed")); got != 2 {
		t.Fatalf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.notificationAttempts.WithLabelValues("telegram", "failed")); got != 1 {
		t.Fatalf("attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("telegram")); got != 2 {
		t.Fatalf("breaker state = %v, want 2", got)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWithRegistry(registry, registry)
	m.SweepObserved(250*time.Millisecond, 2, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "dispatch_sla_actions_total") {
		t.Fatalf("expected sla actions in exposition, got %q", rec.Body.String())
	}
}
