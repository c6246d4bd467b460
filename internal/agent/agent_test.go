package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/events"
	"OpenMCP-Bridge/internal/knowledge"
	"OpenMCP-Bridge/internal/llm"
	"OpenMCP-Bridge/internal/observability/alerting"
	"OpenMCP-Bridge/internal/observability/metrics"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/storage/mysql"
	"OpenMCP-Bridge/internal/tools"
	"OpenMCP-Bridge/pkg/logger"
)

type stubModel struct {
	mu       sync.Mutex
	script   []*llm.Response
	err      error
	wait     time.Duration
	requests []llm.Request
}

func (s *stubModel) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	s.mu.Unlock()

	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx], nil
}

func (s *stubModel) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubModel) request(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func toolCall(id, name, input string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}
}

func endTurn(text string) *llm.Response {
	return &llm.Response{Text: text, StopReason: llm.StopEndTurn, Usage: llm.Usage{InputTokens: 100, OutputTokens: 20}}
}

func useTools(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: calls, StopReason: llm.StopToolUse, Usage: llm.Usage{InputTokens: 100, OutputTokens: 20}}
}

type lookupInput struct {
	Chain string `json:"chain"`
}

type quoteInput struct {
	QuoteID string `json:"quote_id"`
}

type fixture struct {
	agent    *Agent
	model    *stubModel
	sessions *session.Store
	events   *events.MemoryPublisher
	archive  *mysql.MemoryArchive
	lookups  int
	mu       sync.Mutex
}

func (f *fixture) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func newFixture(t *testing.T, model *stubModel, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{model: model, events: events.NewMemoryPublisher()}
	f.sessions = session.NewStore(session.NewMemoryBackend())

	archive, err := mysql.NewMemoryArchive("")
	require.NoError(t, err)
	f.archive = archive

	registry := tools.NewRegistry(tools.WithLogger(logger.Discard()))
	registry.MustRegister(
		tools.NewTool(tools.Definition{Name: "lookup", Description: "reads something", Category: tools.CategoryRead},
			func(_ context.Context, in lookupInput, _ tools.Context, _ string) (tools.Result, error) {
				f.mu.Lock()
				f.lookups++
				f.mu.Unlock()
				return tools.Succeed(map[string]string{"chain": in.Chain}, "ok"), nil
			}),
		tools.NewTool(tools.Definition{Name: "needs_signature", Description: "asks for a signature", Category: tools.CategoryWrite, RequiresSignature: true},
			func(_ context.Context, _ struct{}, _ tools.Context, _ string) (tools.Result, error) {
				return &tools.PendingAction{
					ActionType: session.ActionSignature,
					Message:    "Please sign the transaction",
					Data:       map[string]string{"to": "0xabc"},
					ExpiresAt:  time.Now().Add(10 * time.Minute),
				}, nil
			}),
		tools.NewTool(tools.Definition{Name: "needs_confirmation", Description: "asks for a confirmation", Category: tools.CategoryWrite},
			func(_ context.Context, _ struct{}, _ tools.Context, _ string) (tools.Result, error) {
				return &tools.PendingAction{ActionType: session.ActionConfirmation, Message: "Confirm the quote?", ConfirmationKey: "q1"}, nil
			}),
		tools.NewTool(tools.Definition{
			Name:                 "execute_quote",
			Description:          "builds the confirmed transfer",
			Category:             tools.CategoryWrite,
			RequiresConfirmation: true,
			ConfirmationKey:      "quote_id",
			RequiresSignature:    true,
		}, func(_ context.Context, in quoteInput, _ tools.Context, _ string) (tools.Result, error) {
			return &tools.PendingAction{ActionType: session.ActionSignature, Message: "Sign the transfer for " + in.QuoteID}, nil
		}),
		tools.NewTool(tools.Definition{Name: "broken", Description: "always refuses", Category: tools.CategoryRead},
			func(_ context.Context, _ struct{}, _ tools.Context, _ string) (tools.Result, error) {
				return tools.FailWithDetails("UNSUPPORTED_CHAIN", "chain not supported", map[string]any{"chain": "mars"}), nil
			}),
		tools.NewTool(tools.Definition{Name: "explode", Description: "collaborator outage", Category: tools.CategoryRead},
			func(_ context.Context, _ struct{}, _ tools.Context, _ string) (tools.Result, error) {
				return nil, errors.New("rpc unreachable")
			}),
	)

	ids := 0
	base := []Option{
		WithEventPublisher(f.events),
		WithArchive(f.archive),
		WithMetrics(metrics.New()),
		WithLogger(logger.Discard(), logger.Discard()),
		WithIDGenerator(func() string {
			ids++
			return "X" + strings.Repeat("'", ids-1)
		}),
	}
	f.agent = New(model, f.sessions, registry, append(base, opts...)...)
	return f
}

func eventTypes(pub *events.MemoryPublisher) []events.Type {
	var out []events.Type
	for _, evt := range pub.Events() {
		out = append(out, evt.Type)
	}
	return out
}

func TestRunCancelIntentNeverCallsModel(t *testing.T) {
	model := &stubModel{script: []*llm.Response{endTurn("unused")}}
	f := newFixture(t, model)

	result, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s-cancel", UserID: "u1", Message: "cancel"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, CancelAcknowledgement, result.Response)
	require.Zero(t, model.calls())
	require.Equal(t, session.StatusCompleted, result.Session.Status)
	require.Len(t, result.Session.Messages, 2)
	require.Equal(t, 1, result.Session.TurnCount)
	require.Equal(t, []events.Type{events.TypeCompleted}, eventTypes(f.events))

	archived, err := f.archive.Get(context.Background(), "s-cancel")
	require.NoError(t, err)
	require.Len(t, archived, 1)
}

func TestRunCompletesOnNaturalEnd(t *testing.T) {
	model := &stubModel{script: []*llm.Response{{
		Text:       "You have 1.2 ETH on Base.",
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 1000, OutputTokens: 500},
	}}}
	f := newFixture(t, model)

	result, err := f.agent.Run(context.Background(), RunRequest{
		SessionID:     "s1",
		UserID:        "u1",
		WalletAddress: "0x00000000000000000000000000000000000000aa",
		Message:       "what's my ETH balance on Base",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.AwaitingAction)
	require.Equal(t, "You have 1.2 ETH on Base.", result.Response)
	require.Equal(t, session.StatusCompleted, result.Session.Status)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", result.Session.WalletAddress)
	require.InDelta(t, 0.0105, result.Session.Cost.EstimatedCostUSD, 1e-9)
	require.EqualValues(t, 1000, result.Session.Cost.InputTokens)

	req := model.request(0)
	require.Len(t, req.Tools, 6)
	require.Contains(t, req.System, "Connected wallet: 0x00000000000000000000000000000000000000aa")
	require.Len(t, req.Messages, 1)
	require.Contains(t, req.Messages[0].Text, "[parsed intent=balance")
}

func TestRunSuspendsAndResumeContinues(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "needs_signature", `{}`), toolCall("c2", "lookup", `{"chain":"base"}`)),
		endTurn("Transaction submitted."),
	}}
	f := newFixture(t, model)
	ctx := context.Background()

	result, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 0.1 ETH from Base to Ethereum"})
	require.NoError(t, err)
	require.True(t, result.AwaitingAction)
	require.Equal(t, "Please sign the transaction", result.Response)
	require.Equal(t, session.StatusAwaitingSignature, result.Session.Status)
	require.NotNil(t, result.Session.PendingAction)
	require.Equal(t, "X", result.Session.PendingAction.ActionID)
	require.Equal(t, "needs_signature", result.Session.PendingAction.ToolName)
	require.JSONEq(t, `{"to":"0xabc"}`, string(result.Session.PendingAction.Data))
	require.NotZero(t, result.Session.PendingAction.ExpiresAt)
	require.Zero(t, f.lookupCount(), "calls after a pending action must be skipped")

	resumed, err := f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "X", Confirmed: true, Data: "0xsigned"})
	require.NoError(t, err)
	require.True(t, resumed.Success)
	require.Equal(t, "Transaction submitted.", resumed.Response)
	require.Equal(t, session.StatusCompleted, resumed.Session.Status)
	require.Nil(t, resumed.Session.PendingAction)
	require.Equal(t, 2, resumed.Session.TurnCount)

	second := model.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, llm.RoleUser, last.Role)
	require.Equal(t, "Signed: 0xsigned", last.Text)
	require.Len(t, last.ToolResults, 2)
	require.Equal(t, "c1", last.ToolResults[0].ToolCallID)
	require.Contains(t, last.ToolResults[0].Content, `"status":"pending"`)
	require.Equal(t, "c2", last.ToolResults[1].ToolCallID)
	require.True(t, last.ToolResults[1].IsError)

	require.Equal(t, []events.Type{events.TypeAwaitingAction, events.TypeCompleted}, eventTypes(f.events))
}

func TestResumeSynthesizesConfirmationResponses(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "needs_confirmation", `{}`)),
		endTurn("Okay, not bridging."),
	}}
	f := newFixture(t, model)
	ctx := context.Background()

	result, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 5 USDC from Base to Arbitrum"})
	require.NoError(t, err)
	require.Equal(t, session.StatusAwaitingUserAction, result.Session.Status)

	_, err = f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "X", Confirmed: false})
	require.NoError(t, err)
	second := model.request(1)
	require.Equal(t, "Cancelled", second.Messages[len(second.Messages)-1].Text)
}

func TestConfirmedActionUnlocksGatedTool(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "needs_confirmation", `{}`)),
		useTools(toolCall("c2", "execute_quote", `{"quote_id":"q1"}`)),
	}}
	f := newFixture(t, model)
	ctx := context.Background()

	result, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 5 USDC from Base to Arbitrum"})
	require.NoError(t, err)
	require.Equal(t, "q1", result.Session.PendingAction.ConfirmationKey)
	require.Empty(t, result.Session.Confirmations)
	for _, def := range model.request(0).Tools {
		if def.Name == "execute_quote" {
			require.Contains(t, def.Description, "confirmed this quote_id")
		}
	}

	resumed, err := f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "X", Confirmed: true})
	require.NoError(t, err)
	require.True(t, resumed.AwaitingAction)
	require.Equal(t, session.StatusAwaitingSignature, resumed.Session.Status)
	require.Equal(t, "Sign the transfer for q1", resumed.Response)
	require.False(t, resumed.Session.IsConfirmed("q1"), "the confirmation is spent by the build")
}

func TestCancelledConfirmationKeepsGateClosed(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "needs_confirmation", `{}`)),
		useTools(toolCall("c2", "execute_quote", `{"quote_id":"q1"}`)),
		endTurn("Okay, nothing was sent."),
	}}
	f := newFixture(t, model)
	ctx := context.Background()

	_, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 5 USDC from Base to Arbitrum"})
	require.NoError(t, err)

	resumed, err := f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "X", Confirmed: false})
	require.NoError(t, err)
	require.False(t, resumed.AwaitingAction)
	require.Equal(t, session.StatusCompleted, resumed.Session.Status)
	require.Nil(t, resumed.Session.PendingAction)

	third := model.request(2)
	last := third.Messages[len(third.Messages)-1]
	require.Len(t, last.ToolResults, 1)
	require.True(t, last.ToolResults[0].IsError)
	require.Contains(t, last.ToolResults[0].Content, tools.FailureConfirmationRequired)
}

func TestGatedToolWithoutConfirmationIsRefused(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "execute_quote", `{"quote_id":"q1"}`)),
		endTurn("I need your confirmation first."),
	}}
	f := newFixture(t, model)

	result, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 5 USDC from Base to Arbitrum"})
	require.NoError(t, err)
	require.False(t, result.AwaitingAction)
	require.Equal(t, session.StatusCompleted, result.Session.Status)

	second := model.request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Contains(t, last.ToolResults[0].Content, tools.FailureConfirmationRequired)
}

func TestResumeBudgetSharesModelTurnsWithRun(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "lookup", `{"chain":"base"}`)),
		useTools(toolCall("c2", "lookup", `{"chain":"ethereum"}`)),
		useTools(toolCall("c3", "needs_confirmation", `{}`)),
		useTools(toolCall("c4", "lookup", `{"chain":"base"}`)),
	}}
	f := newFixture(t, model)
	ctx := context.Background()

	result, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "hello", MaxTurns: 4})
	require.NoError(t, err)
	require.True(t, result.AwaitingAction)
	require.Equal(t, 3, result.Session.ModelTurns)

	resumed, err := f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "X", Confirmed: true, MaxTurns: 4})
	require.NoError(t, err)
	require.Equal(t, 4, model.calls(), "run and resume share one budget")
	require.Equal(t, MaxTurnsMessage, resumed.Response)
	require.Equal(t, 4, resumed.Session.ModelTurns)
	require.Equal(t, 2, resumed.Session.TurnCount)
}

func TestResumeRejectsMismatchedActionID(t *testing.T) {
	model := &stubModel{script: []*llm.Response{useTools(toolCall("c1", "needs_signature", `{}`))}}
	f := newFixture(t, model)
	ctx := context.Background()

	_, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 0.1 ETH from Base to Ethereum"})
	require.NoError(t, err)
	before, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)

	_, err = f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "Y", Confirmed: true, Data: "0xsigned"})
	require.True(t, xerrors.HasCode(err, CodeActionIDMismatch), "got %v", err)

	after, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "X", after.PendingAction.ActionID)
	require.Equal(t, session.StatusAwaitingSignature, after.Status)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	require.Equal(t, 1, model.calls())
}

func TestResumeStateErrors(t *testing.T) {
	model := &stubModel{script: []*llm.Response{endTurn("hi")}}
	f := newFixture(t, model)
	ctx := context.Background()

	_, err := f.agent.Resume(ctx, ResumeRequest{SessionID: "missing", ActionID: "X"})
	require.True(t, xerrors.HasCode(err, session.CodeNotFound), "got %v", err)

	_, err = f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	_, err = f.agent.Resume(ctx, ResumeRequest{SessionID: "s1", ActionID: "X"})
	require.True(t, xerrors.HasCode(err, CodeNotAwaitingAction), "got %v", err)
}

func TestRunStopsAtMaxTurns(t *testing.T) {
	model := &stubModel{script: []*llm.Response{useTools(toolCall("c", "lookup", `{"chain":"base"}`))}}
	f := newFixture(t, model)

	result, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "check my balances"})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxTurns, model.calls())
	require.Equal(t, MaxTurnsMessage, result.Response)
	require.Equal(t, session.StatusCompleted, result.Session.Status)
	require.Equal(t, MaxTurnsMessage, result.Session.LastAssistantText())
	require.Equal(t, DefaultMaxTurns, f.lookupCount())
}

func TestRunHonorsRequestedMaxTurns(t *testing.T) {
	model := &stubModel{script: []*llm.Response{{StopReason: llm.StopMaxTokens}}}
	f := newFixture(t, model)

	result, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "hello", MaxTurns: 3})
	require.NoError(t, err)
	require.Equal(t, 3, model.calls())
	require.Equal(t, MaxTurnsMessage, result.Response)
}

func TestToolFailureIsFedBackToModel(t *testing.T) {
	model := &stubModel{script: []*llm.Response{
		useTools(toolCall("c1", "broken", `{}`)),
		endTurn("Mars is not supported."),
	}}
	f := newFixture(t, model)

	result, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 1 ETH to mars"})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, result.Session.Status)

	second := model.request(1)
	results := second.Messages[len(second.Messages)-1].ToolResults
	require.Len(t, results, 1)
	require.True(t, results[0].IsError)
	require.JSONEq(t, `{"status":"error","code":"UNSUPPORTED_CHAIN","message":"chain not supported","details":{"chain":"mars"}}`, results[0].Content)

	var assistant session.Message
	for _, msg := range result.Session.Messages {
		if msg.Role == session.RoleAssistant && len(msg.ToolCalls) > 0 {
			assistant = msg
		}
	}
	require.Equal(t, toolCallPlaceholder, assistant.Content)
}

func TestCollaboratorFailuresMarkSessionError(t *testing.T) {
	cases := []struct {
		name  string
		model *stubModel
		code  xerrors.Code
	}{
		{name: "model", model: &stubModel{err: errors.New("upstream 500")}, code: xerrors.CodeModelFailure},
		{name: "tool", model: &stubModel{script: []*llm.Response{useTools(toolCall("c1", "explode", `{}`))}}, code: xerrors.CodeToolFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.model)
			result, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "hello there"})
			require.Error(t, err)
			require.True(t, xerrors.HasCode(err, tc.code), "got %v", err)
			require.False(t, result.Success)
			require.Equal(t, FailureMessage, result.Response)
			require.NotContains(t, result.Response, "upstream")
			require.Equal(t, session.StatusError, result.Session.Status)
			require.Nil(t, result.Session.PendingAction)
			require.Equal(t, []events.Type{events.TypeFailed}, eventTypes(f.events))
		})
	}
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestModelFailureRaisesAlert(t *testing.T) {
	alerts := &recordingDispatcher{}
	f := newFixture(t, &stubModel{err: errors.New("upstream 500")}, WithAlertDispatcher(alerts))

	_, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "hello there"})
	require.Error(t, err)
	require.Len(t, alerts.events, 1)
	got := alerts.events[0]
	require.Equal(t, xerrors.CodeModelFailure, got.Code)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, 1, got.TurnCount)
	require.Equal(t, string(session.StatusError), got.Metadata["status"])
	require.True(t, got.Retryable)
}

func TestCanceledModelCallSkipsAlert(t *testing.T) {
	alerts := &recordingDispatcher{}
	f := newFixture(t, &stubModel{err: context.Canceled}, WithAlertDispatcher(alerts))

	_, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "hello there"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeModelFailure), "got %v", err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, xerrors.SeverityInfo, xerrors.SeverityOf(err))
	require.Empty(t, alerts.events)
}

func TestModelTimeout(t *testing.T) {
	model := &stubModel{wait: 50 * time.Millisecond, script: []*llm.Response{endTurn("late")}}
	f := newFixture(t, model, WithModelTimeout(10*time.Millisecond))

	_, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "hello"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeTimeout), "got %v", err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunRejectsPendingAndTerminalSessions(t *testing.T) {
	model := &stubModel{script: []*llm.Response{useTools(toolCall("c1", "needs_confirmation", `{}`))}}
	f := newFixture(t, model)
	ctx := context.Background()

	_, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 1 ETH from Base to Ethereum"})
	require.NoError(t, err)

	_, err = f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "cancel"})
	require.True(t, xerrors.HasCode(err, CodeUseResume), "got %v", err)

	_, err = f.sessions.ClearPendingAction(ctx, "s1", session.StatusCompleted)
	require.NoError(t, err)
	_, err = f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "hello again"})
	require.True(t, xerrors.HasCode(err, CodeSessionTerminal), "got %v", err)

	model.script = []*llm.Response{endTurn("Fresh start.")}
	result, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "hello again", Restart: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Session.TurnCount)
	require.Equal(t, session.StatusCompleted, result.Session.Status)

	archived, err := f.archive.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, archived)
}

func TestRunValidatesInput(t *testing.T) {
	f := newFixture(t, &stubModel{script: []*llm.Response{endTurn("x")}})

	_, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", Message: "  "})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = f.agent.Run(context.Background(), RunRequest{Message: "hello"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	empty := New(nil, nil, nil)
	_, err = empty.Run(context.Background(), RunRequest{SessionID: "s1", Message: "hello"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

func TestCancelArchivesAndDeletes(t *testing.T) {
	model := &stubModel{script: []*llm.Response{useTools(toolCall("c1", "needs_signature", `{}`))}}
	f := newFixture(t, model)
	ctx := context.Background()

	_, err := f.agent.Run(ctx, RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 0.1 ETH from Base to Ethereum"})
	require.NoError(t, err)
	require.NoError(t, f.agent.KeepAlive(ctx, "s1"))

	final, err := f.agent.Cancel(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusCancelled, final.Status)
	require.Nil(t, final.PendingAction)

	_, err = f.agent.Session(ctx, "s1")
	require.True(t, xerrors.HasCode(err, session.CodeNotFound), "got %v", err)
	require.True(t, xerrors.HasCode(f.agent.KeepAlive(ctx, "s1"), session.CodeNotFound))

	archived, err := f.archive.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Equal(t, session.StatusCancelled, archived[0].Status)
	require.Equal(t, []events.Type{events.TypeAwaitingAction, events.TypeCancelled}, eventTypes(f.events))
}

func TestSystemPromptIncludesKnowledge(t *testing.T) {
	model := &stubModel{script: []*llm.Response{endTurn("done")}}
	provider := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "fees", Content: "Bridge quotes include protocol fees.", Intents: []string{"bridge"}},
	}, 3)
	f := newFixture(t, model, WithKnowledgeProvider(provider))

	_, err := f.agent.Run(context.Background(), RunRequest{SessionID: "s1", UserID: "u1", Message: "bridge 1 ETH from Base to Ethereum"})
	require.NoError(t, err)
	require.Contains(t, model.request(0).System, "fees: Bridge quotes include protocol fees.")
}
