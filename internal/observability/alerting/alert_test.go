package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Bridge/internal/errors"
)

func sampleEvent() Event {
	return Event{
		Code:       xerrors.CodeModelFailure,
		Message:    "upstream overloaded",
		Severity:   xerrors.SeverityCritical,
		SessionID:  "s1",
		UserID:     "u1",
		TurnCount:  3,
		Metadata:   map[string]string{"stage": "model"},
		OccurredAt: time.Unix(1700000000, 0),
	}
}

func TestWebhookNotifierPostsSummary(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, HTTPClient: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
	require.Contains(t, got["text"], "MODEL_FAILURE")
	require.Contains(t, got["text"], "s1")
	require.Contains(t, got["text"], "- stage: model")
	require.NotContains(t, got["text"], "可重试")
}

func TestSummaryMarksRetryableEvents(t *testing.T) {
	event := sampleEvent()
	require.NotContains(t, event.Summary(), "可重试")

	event.Retryable = true
	require.Contains(t, event.Summary(), "(可重试)")
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	require.Error(t, n.Notify(context.Background(), sampleEvent()))
}

func TestWebhookNotifierSkipsWithoutURL(t *testing.T) {
	n := &WebhookNotifier{}
	require.NoError(t, n.Notify(context.Background(), sampleEvent()))
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Channel() Channel { return ChannelWebhook }

func (f *failingNotifier) Notify(context.Context, Event) error {
	f.calls++
	return errors.New("boom")
}

func TestFanoutJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	failing := &failingNotifier{}
	d := NewFanout(failing, &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}, nil)

	err := d.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel webhook")
	require.Equal(t, 1, failing.calls)
	require.True(t, strings.Contains(buf.String(), `"session_id":"s1"`))

	var nilDispatcher *FanoutDispatcher
	require.NoError(t, nilDispatcher.Notify(context.Background(), sampleEvent()))
}
