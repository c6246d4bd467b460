package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"OpenMCP-Bridge/internal/agent"
	"OpenMCP-Bridge/internal/auth"
	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/observability/metrics"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/storage/mysql"
)

type stubService struct {
	runReq    agent.RunRequest
	resumeReq agent.ResumeRequest
	result    *agent.Result
	sess      *session.Session
	err       error
	kept      string
}

func (s *stubService) Run(_ context.Context, req agent.RunRequest) (*agent.Result, error) {
	s.runReq = req
	return s.result, s.err
}

func (s *stubService) Resume(_ context.Context, req agent.ResumeRequest) (*agent.Result, error) {
	s.resumeReq = req
	return s.result, s.err
}

func (s *stubService) Cancel(_ context.Context, sessionID string) (*session.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &session.Session{ID: sessionID, Status: session.StatusCancelled}, nil
}

func (s *stubService) KeepAlive(_ context.Context, sessionID string) error {
	s.kept = sessionID
	return s.err
}

func (s *stubService) Session(_ context.Context, sessionID string) (*session.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.sess != nil {
		return s.sess, nil
	}
	return &session.Session{ID: sessionID, Status: session.StatusIdle}, nil
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleMessageSuccess(t *testing.T) {
	svc := &stubService{result: &agent.Result{
		Success:  true,
		Response: "Your USDC balance on Base is 12.5",
		Session:  &session.Session{ID: "s1", Status: session.StatusCompleted},
	}}
	handler := NewServer(":0", svc).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/messages", map[string]any{
		"session_id": "s1",
		"user_id":    "u1",
		"message":    "what's my USDC balance on base?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	if svc.runReq.SessionID != "s1" || svc.runReq.UserID != "u1" {
		t.Fatalf("unexpected run request: %+v", svc.runReq)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id header")
	}

	var got struct {
		Success  bool            `json:"success"`
		Response string          `json:"response"`
		Session  session.Session `json:"session"`
		Error    *errorBody      `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.Success || got.Response != "Your USDC balance on Base is 12.5" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Session.Status != session.StatusCompleted || got.Error != nil {
		t.Fatalf("unexpected session or error: %+v", got)
	}
}

func TestHandleMessageRejectsMalformedBody(t *testing.T) {
	handler := NewServer(":0", &stubService{}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"session_id":`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if rec.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("expected request id to be echoed, got %q", rec.Header().Get(RequestIDHeader))
	}
	var got struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Error.Code != string(xerrors.CodeInvalidArgument) || got.Error.RequestID != "req-1" {
		t.Fatalf("unexpected error body: %+v", got.Error)
	}
	if got.Error.Retryable {
		t.Fatal("malformed requests must not be reported as retryable")
	}
}

func TestHandleMessageCollaboratorFailureKeepsResult(t *testing.T) {
	svc := &stubService{
		result: &agent.Result{
			Success:  false,
			Response: agent.FailureMessage,
			Session:  &session.Session{ID: "s1", Status: session.StatusError},
		},
		err: xerrors.New(xerrors.CodeModelFailure, "upstream 529: overloaded"),
	}
	handler := NewServer(":0", svc).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/messages", map[string]any{
		"session_id": "s1",
		"message":    "bridge 10 usdc",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
	var got struct {
		Success  bool       `json:"success"`
		Response string     `json:"response"`
		Error    *errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Success || got.Response != agent.FailureMessage {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Error == nil || got.Error.Code != string(xerrors.CodeModelFailure) {
		t.Fatalf("unexpected error body: %+v", got.Error)
	}
	if !got.Error.Retryable {
		t.Fatal("model failures should be reported as retryable")
	}
	if strings.Contains(rec.Body.String(), "overloaded") {
		t.Fatalf("internal error detail leaked: %s", rec.Body.String())
	}
}

func TestHandleResumeForwardsRequest(t *testing.T) {
	svc := &stubService{result: &agent.Result{Success: true, Response: "Submitted"}}
	handler := NewServer(":0", svc).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/resume", map[string]any{
		"session_id": "s1",
		"action_id":  "a1",
		"confirmed":  true,
		"data":       "0xsigned",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	if svc.resumeReq.ActionID != "a1" || !svc.resumeReq.Confirmed || svc.resumeReq.Data != "0xsigned" {
		t.Fatalf("unexpected resume request: %+v", svc.resumeReq)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", xerrors.New(xerrors.CodeInvalidArgument, ""), http.StatusBadRequest},
		{"not found", xerrors.New(session.CodeNotFound, ""), http.StatusNotFound},
		{"terminal", xerrors.New(agent.CodeSessionTerminal, ""), http.StatusConflict},
		{"use resume", xerrors.New(agent.CodeUseResume, ""), http.StatusConflict},
		{"not awaiting", xerrors.New(agent.CodeNotAwaitingAction, ""), http.StatusConflict},
		{"mismatch", xerrors.New(agent.CodeActionIDMismatch, ""), http.StatusConflict},
		{"timeout", xerrors.New(xerrors.CodeTimeout, ""), http.StatusGatewayTimeout},
		{"tool", xerrors.New(xerrors.CodeToolFailure, ""), http.StatusBadGateway},
		{"init", xerrors.New(xerrors.CodeInitializationFailure, ""), http.StatusServiceUnavailable},
		{"storage", xerrors.New(xerrors.CodeStorageFailure, ""), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewServer(":0", &stubService{err: tc.err}).Handler()
			rec := doJSON(t, handler, http.MethodPost, "/api/v1/resume", map[string]any{"session_id": "s1"})
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestSessionRoutes(t *testing.T) {
	svc := &stubService{}
	handler := NewServer(":0", svc).Handler()

	t.Run("get", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/sessions/s1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var got session.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.ID != "s1" {
			t.Fatalf("unexpected session id: %q", got.ID)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodDelete, "/api/v1/sessions/s1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var got session.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.Status != session.StatusCancelled {
			t.Fatalf("unexpected status: %q", got.Status)
		}
	})

	t.Run("keepalive", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/sessions/s1/keepalive", nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
		}
		if svc.kept != "s1" {
			t.Fatalf("keepalive not forwarded, got %q", svc.kept)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPut, "/api/v1/sessions/s1", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		missing := NewServer(":0", &stubService{err: xerrors.New(session.CodeNotFound, "")}).Handler()
		rec := doJSON(t, missing, http.MethodGet, "/api/v1/sessions/missing", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestListArchive(t *testing.T) {
	archive, err := mysql.NewMemoryArchive("")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	defer archive.Close()
	for i, id := range []string{"s1", "s2"} {
		sess := &session.Session{
			ID:        id,
			UserID:    "u1",
			Status:    session.StatusCompleted,
			CreatedAt: int64(1000 + i),
			UpdatedAt: int64(2000 + i),
		}
		if err := archive.Archive(context.Background(), sess); err != nil {
			t.Fatalf("archive session: %v", err)
		}
	}

	handler := NewServer(":0", &stubService{}, WithArchive(archive)).Handler()
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/users/u1/archive?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var got []mysql.ArchivedSession
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}

	disabled := NewServer(":0", &stubService{}).Handler()
	rec = doJSON(t, disabled, http.MethodGet, "/api/v1/users/u1/archive", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	handler := NewServer(":0", &stubService{}, WithMetrics(m)).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	doJSON(t, handler, http.MethodGet, "/api/v1/sessions/s1", nil)
	count, err := testutil.GatherAndCount(m.Registry(), "bridgeagent_http_requests_total")
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected http request samples")
	}

	rec = doJSON(t, handler, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bridgeagent_http_requests_total") {
		t.Fatalf("expected http metrics in exposition output")
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestRoutesRequireTokenWhenAuthEnabled(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{
		Mode:    auth.ModeToken,
		Clients: []auth.Client{{Name: "bot", Token: "t0ken", Permissions: []string{auth.PermSessionsRead}}},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	handler := NewServer(":0", &stubService{}, WithAuth(authSvc)).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sessions/s1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer t0ken")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer t0ken")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health check should not require auth, got %d", rec.Code)
	}
}
