package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/events"
	"OpenMCP-Bridge/internal/llm"
	"OpenMCP-Bridge/internal/observability/alerting"
	"OpenMCP-Bridge/internal/observability/metrics"
	"OpenMCP-Bridge/internal/session"
	"OpenMCP-Bridge/internal/tools"
)

var perMillion = decimal.NewFromInt(1_000_000)

// loop 是 Run 与 Resume 共用的轮次循环，最多调用 maxTurns 次模型。
func (a *Agent) loop(ctx context.Context, sessionID string, maxTurns int) (*Result, error) {
	for turn := 0; ; turn++ {
		if turn >= maxTurns {
			return a.finish(ctx, sessionID, MaxTurnsMessage, true)
		}
		a.metrics.ObserveTurn()

		sess, err := a.sessions.Get(ctx, sessionID)
		if err != nil {
			return a.fail(ctx, sessionID, err)
		}

		resp, err := a.callModel(ctx, sess)
		if err != nil {
			return a.fail(ctx, sessionID, err)
		}

		text := strings.TrimSpace(resp.Text)
		sess, err = a.recordResponse(ctx, sessionID, resp, text)
		if err != nil {
			return a.fail(ctx, sessionID, err)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.StopReason.IsNaturalEnd() {
				return a.finish(ctx, sessionID, sess.LastAssistantText(), false)
			}
			a.logger.Debug("模型未结束也未调用工具，继续下一轮",
				slog.String("session_id", sessionID),
				slog.String("stop_reason", string(resp.StopReason)))
			continue
		}

		result, err := a.executeBatch(ctx, sessionID, resp.ToolCalls)
		if err != nil {
			return a.fail(ctx, sessionID, err)
		}
		if result != nil {
			return result, nil
		}
	}
}

func (a *Agent) callModel(ctx context.Context, sess *session.Session) (*llm.Response, error) {
	callCtx := ctx
	if a.modelTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.modelTimeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := a.model.Generate(callCtx, llm.Request{
		System:    a.systemPrompt(sess),
		Messages:  BuildTranscript(sess.Messages),
		Tools:     a.catalog,
		MaxTokens: a.maxTokens,
	})
	elapsed := time.Since(started)

	if err != nil {
		a.metrics.ObserveModelCall(metrics.OutcomeError, elapsed, 0, 0)
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if stdErrors.Is(err, context.Canceled) {
			// 调用方断开连接，不是模型故障。
			return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "请求已取消",
				xerrors.WithAlert(false), xerrors.WithSeverity(xerrors.SeverityInfo))
		}
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "大模型推理失败")
	}
	if resp == nil {
		a.metrics.ObserveModelCall(metrics.OutcomeError, elapsed, 0, 0)
		return nil, xerrors.New(xerrors.CodeModelFailure, "大模型返回了空响应")
	}
	a.metrics.ObserveModelCall(metrics.OutcomeSuccess, elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// recordResponse 在一次写入中累加用量与模型轮次，并追加助手消息。
func (a *Agent) recordResponse(ctx context.Context, sessionID string, resp *llm.Response, text string) (*session.Session, error) {
	inputTokens, outputTokens := resp.Usage.InputTokens, resp.Usage.OutputTokens
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	cost := a.cost(inputTokens, outputTokens)

	return a.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		s.Cost.InputTokens += inputTokens
		s.Cost.OutputTokens += outputTokens
		s.Cost.EstimatedCostUSD += cost
		s.ModelTurns++
		if text == "" && len(resp.ToolCalls) == 0 {
			return nil
		}
		msg := session.Message{
			Role:      session.RoleAssistant,
			Content:   text,
			Timestamp: a.now().UnixMilli(),
		}
		if msg.Content == "" {
			msg.Content = toolCallPlaceholder
		}
		for _, call := range resp.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
		}
		s.Messages = append(s.Messages, msg)
		return nil
	})
}

func (a *Agent) cost(inputTokens, outputTokens int64) float64 {
	in := decimal.NewFromInt(inputTokens).Mul(decimal.NewFromFloat(a.pricing.InputPerMTok))
	out := decimal.NewFromInt(outputTokens).Mul(decimal.NewFromFloat(a.pricing.OutputPerMTok))
	return in.Add(out).Div(perMillion).InexactFloat64()
}

// executeBatch 按模型给出的顺序逐个执行工具。遇到挂起动作时返回结果并跳过剩余调用；
// 整批执行完毕时返回 nil 结果。
func (a *Agent) executeBatch(ctx context.Context, sessionID string, calls []llm.ToolCall) (*Result, error) {
	for idx, call := range calls {
		sess, err := a.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		tc := tools.Context{
			UserID:        sess.UserID,
			WalletAddress: sess.WalletAddress,
			Session:       sess,
			Sessions:      a.sessions,
		}
		result, err := a.registry.Execute(ctx, tools.Call{ID: call.ID, Name: call.Name, Input: call.Input}, tc)
		if err != nil {
			a.metrics.ObserveToolCall(call.Name, metrics.OutcomeError)
			return nil, err
		}

		switch r := result.(type) {
		case *tools.PendingAction:
			a.metrics.ObserveToolCall(call.Name, metrics.OutcomePending)
			if skipped := len(calls) - idx - 1; skipped > 0 {
				a.logger.Info("挂起动作跳过了同批次的剩余工具调用",
					slog.String("session_id", sessionID),
					slog.Int("skipped", skipped))
			}
			return a.suspend(ctx, sessionID, call, r)
		case *tools.Failure:
			a.metrics.ObserveToolCall(call.Name, metrics.OutcomeFailure)
			content := encodeToolContent(map[string]any{
				"status":  "error",
				"code":    r.Code,
				"message": r.Message,
				"details": r.Details,
			})
			if err := a.appendToolMessage(ctx, sessionID, call, content, true); err != nil {
				return nil, err
			}
		case *tools.Success:
			a.metrics.ObserveToolCall(call.Name, metrics.OutcomeSuccess)
			content := encodeToolContent(map[string]any{
				"status":  "success",
				"message": r.Message,
				"data":    r.Data,
			})
			if err := a.appendToolMessage(ctx, sessionID, call, content, false); err != nil {
				return nil, err
			}
		default:
			return nil, xerrors.New(xerrors.CodeToolFailure, "工具返回了未知的结果类型",
				xerrors.WithMetadata("tool", call.Name))
		}
	}
	return nil, nil
}

// suspend 持久化挂起动作并返回等待结果。
func (a *Agent) suspend(ctx context.Context, sessionID string, call llm.ToolCall, pending *tools.PendingAction) (*Result, error) {
	var data json.RawMessage
	if pending.Data != nil {
		encoded, err := json.Marshal(pending.Data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "编码挂起动作数据失败",
				xerrors.WithMetadata("tool", call.Name))
		}
		data = encoded
	}
	action := session.PendingAction{
		Type:      pending.ActionType,
		ActionID:  a.newID(),
		ToolName:  call.Name,
		Data:      data,
		Message:   pending.Message,
		CreatedAt: a.now().UnixMilli(),

		ConfirmationKey: pending.ConfirmationKey,
	}
	if !pending.ExpiresAt.IsZero() {
		action.ExpiresAt = pending.ExpiresAt.UnixMilli()
	}

	if _, err := a.sessions.SetPendingAction(ctx, sessionID, action); err != nil {
		return nil, err
	}
	summary := map[string]any{
		"status":      "pending",
		"action_type": action.Type,
		"action_id":   action.ActionID,
		"message":     action.Message,
	}
	if action.ExpiresAt > 0 {
		summary["expires_at"] = action.ExpiresAt
	}
	if err := a.appendToolMessage(ctx, sessionID, call, encodeToolContent(summary), false); err != nil {
		return nil, err
	}

	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	a.metrics.ObserveTransition(string(sess.Status))
	a.audit.Info("创建挂起动作",
		slog.String("session_id", sessionID),
		slog.String("user_id", sess.UserID),
		slog.String("action_id", action.ActionID),
		slog.String("action_type", string(action.Type)),
		slog.String("tool", call.Name))
	a.publish(ctx, events.TypeAwaitingAction, sess, action.Message)

	response := action.Message
	if response == "" {
		response = sess.LastAssistantText()
	}
	return &Result{Success: true, Response: response, AwaitingAction: true, Session: sess}, nil
}

func (a *Agent) appendToolMessage(ctx context.Context, sessionID string, call llm.ToolCall, content string, isError bool) error {
	_, err := a.sessions.AppendMessage(ctx, sessionID, session.Message{
		Role:       session.RoleTool,
		Content:    content,
		Timestamp:  a.now().UnixMilli(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	})
	return err
}

// finish 把会话标记为 completed。maxed 为 true 时先追加轮次耗尽的固定消息。
func (a *Agent) finish(ctx context.Context, sessionID, response string, maxed bool) (*Result, error) {
	sess, err := a.sessions.Update(ctx, sessionID, func(s *session.Session) error {
		if maxed {
			s.Messages = append(s.Messages, session.Message{
				Role:      session.RoleAssistant,
				Content:   MaxTurnsMessage,
				Timestamp: a.now().UnixMilli(),
			})
		}
		s.Status = session.StatusCompleted
		return nil
	})
	if err != nil {
		return a.fail(ctx, sessionID, err)
	}
	if maxed {
		a.logger.Warn("达到最大轮次", slog.String("session_id", sessionID))
	}
	a.metrics.ObserveTransition(string(session.StatusCompleted))
	a.audit.Info("会话完成",
		slog.String("session_id", sessionID),
		slog.Int("turn_count", sess.TurnCount),
		slog.Float64("cost_usd", sess.Cost.EstimatedCostUSD))
	a.publish(ctx, events.TypeCompleted, sess, response)
	a.archiveSession(ctx, sess)
	return &Result{Success: true, Response: response, Session: sess}, nil
}

// fail 处理协作方故障：会话标记为 error 并清除挂起动作，向调用方返回通用提示，
// 原始错误只写入日志。
func (a *Agent) fail(ctx context.Context, sessionID string, cause error) (*Result, error) {
	a.logger.Error("处理会话失败",
		slog.String("session_id", sessionID),
		slog.String("code", string(xerrors.CodeOf(cause))),
		slog.Any("error", cause))

	cleanup := context.WithoutCancel(ctx)
	sess, err := a.sessions.Update(cleanup, sessionID, func(s *session.Session) error {
		s.PendingAction = nil
		s.Status = session.StatusError
		return nil
	})
	if err != nil {
		a.logger.Error("标记会话失败状态失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return &Result{Success: false, Response: FailureMessage}, cause
	}
	a.metrics.ObserveTransition(string(session.StatusError))
	a.audit.Warn("会话失败",
		slog.String("session_id", sessionID),
		slog.String("code", string(xerrors.CodeOf(cause))))
	a.publish(cleanup, events.TypeFailed, sess, FailureMessage)
	a.emitAlert(cleanup, sess, cause)
	a.archiveSession(cleanup, sess)
	return &Result{Success: false, Response: FailureMessage, Session: sess}, cause
}

// emitAlert 对需要告警的错误码发送通知。
func (a *Agent) emitAlert(ctx context.Context, sess *session.Session, cause error) {
	if a.alerter == nil || sess == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	metadata := map[string]string{"status": string(sess.Status)}
	if e, ok := xerrors.From(cause); ok {
		for k, v := range e.Metadata() {
			metadata[k] = v
		}
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Retryable:  xerrors.RetryableError(cause),
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		TurnCount:  sess.TurnCount,
		Metadata:   metadata,
		OccurredAt: a.now(),
	}
	if err := a.alerter.Notify(ctx, event); err != nil {
		a.logger.Error("告警通知失败", slog.String("session_id", sess.ID), slog.Any("error", err))
	}
}

func (a *Agent) publish(ctx context.Context, kind events.Type, sess *session.Session, message string) {
	if a.events == nil || sess == nil {
		return
	}
	event := events.Event{
		ID:            a.newID(),
		Type:          kind,
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		ThreadID:      sess.ThreadID,
		Status:        sess.Status,
		Message:       message,
		PendingAction: sess.PendingAction,
		OccurredAt:    a.now().UTC(),
	}
	if err := a.events.Publish(ctx, event); err != nil {
		a.logger.Warn("发布会话事件失败",
			slog.String("session_id", sess.ID),
			slog.String("type", string(kind)),
			slog.Any("error", err))
	}
}

func (a *Agent) archiveSession(ctx context.Context, sess *session.Session) {
	if a.archive == nil || sess == nil {
		return
	}
	if err := a.archive.Archive(ctx, sess); err != nil {
		a.logger.Warn("归档会话失败", slog.String("session_id", sess.ID), slog.Any("error", err))
	}
}

func encodeToolContent(payload map[string]any) string {
	for key, value := range payload {
		switch v := value.(type) {
		case nil:
			delete(payload, key)
		case string:
			if v == "" {
				delete(payload, key)
			}
		case map[string]any:
			if len(v) == 0 {
				delete(payload, key)
			}
		}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return `{"status":"error","message":"tool result could not be encoded"}`
	}
	return string(encoded)
}
