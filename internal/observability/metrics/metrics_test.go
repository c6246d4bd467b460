package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordsAgentActivity(t *testing.T) {
	m := New()

	m.ObserveTurn()
	m.ObserveTurn()
	m.ObserveModelCall(OutcomeSuccess, 300*time.Millisecond, 120, 40)
	m.ObserveToolCall("check_balances", OutcomeSuccess)
	m.ObserveToolCall("prepare_bridge", OutcomePending)
	m.ObserveTransition("completed")

	if got := testutil.ToFloat64(m.agentTurns); got != 2 {
		t.Fatalf("expected 2 turns, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokens.WithLabelValues("input")); got != 120 {
		t.Fatalf("expected 120 input tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("prepare_bridge", OutcomePending)); got != 1 {
		t.Fatalf("expected one pending tool call, got %v", got)
	}
}

func TestMetricsHandlerExposesHTTPSeries(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/messages", http.MethodPost, http.StatusOK, 20*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/messages", http.MethodPost, http.StatusBadGateway, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`bridgeagent_http_requests_total{code="502",handler="/api/v1/messages",method="POST"} 1`,
		`bridgeagent_http_request_errors_total{handler="/api/v1/messages",method="POST"} 1`,
		"bridgeagent_http_request_duration_seconds_count",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurn()
	m.ObserveModelCall(OutcomeError, time.Second, 1, 1)
	m.ObserveToolCall("x", OutcomeError)
	m.ObserveTransition("error")
	m.ObserveHTTPRequest("/", http.MethodGet, 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
