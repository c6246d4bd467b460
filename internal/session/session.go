package session

import (
	"encoding/json"

	xerrors "OpenMCP-Bridge/internal/errors"
)

// Status 表示会话在状态机中的位置。
type Status string

const (
	StatusIdle               Status = "idle"
	StatusProcessing         Status = "processing"
	StatusAwaitingUserAction Status = "awaiting_user_action"
	StatusAwaitingSignature  Status = "awaiting_signature"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
	StatusCancelled          Status = "cancelled"
)

// IsTerminal 判断是否为终态，终态会话不会被自动恢复。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsAwaiting 判断会话是否在等待用户操作。
func (s Status) IsAwaiting() bool {
	return s == StatusAwaitingUserAction || s == StatusAwaitingSignature
}

// Role 是消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ToolCall 记录助手消息中发起的一次工具调用，用于向大模型回放对话。
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message 是对话中的一条记录，只追加不修改。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  int64      `json:"timestamp"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ActionType 是待处理动作的类型。
type ActionType string

const (
	ActionConfirmation ActionType = "confirmation"
	ActionSignature    ActionType = "signature"
	ActionInput        ActionType = "input"
)

// PendingAction 描述一次挂起的用户操作。
type PendingAction struct {
	Type      ActionType      `json:"type"`
	ActionID  string          `json:"action_id"`
	ToolName  string          `json:"tool_name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at,omitempty"`

	// ConfirmationKey 是确认动作授权的对象（例如报价 ID），用户确认后记入 Session.Confirmations。
	ConfirmationKey string `json:"confirmation_key,omitempty"`
}

// Cost 累计会话的 token 用量与费用估算。
type Cost struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Session 是持久化的会话记录。
type Session struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	ThreadID      string         `json:"thread_id,omitempty"`
	WalletAddress string         `json:"wallet_address,omitempty"`
	Status        Status         `json:"status"`
	Messages      []Message      `json:"messages"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
	TurnCount     int            `json:"turn_count"`
	// ModelTurns 是自最近一次 Run 以来的模型调用次数，Run 与后续 Resume 共享同一轮次预算。
	ModelTurns    int            `json:"model_turns"`
	Confirmations []string       `json:"confirmations,omitempty"`
	Cost          Cost           `json:"cost"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// Validate 检查挂起动作与状态的一致性：有挂起动作当且仅当处于等待状态。
func (s *Session) Validate() error {
	if s == nil {
		return xerrors.New(CodeInvariant, "session is nil")
	}
	if (s.PendingAction != nil) != s.Status.IsAwaiting() {
		return xerrors.New(CodeInvariant, "pending action must be present exactly when the session is awaiting a user action",
			xerrors.WithMetadata("session_id", s.ID),
			xerrors.WithMetadata("status", string(s.Status)))
	}
	if s.PendingAction != nil {
		expected := statusForAction(s.PendingAction.Type)
		if s.Status != expected {
			return xerrors.New(CodeInvariant, "session status does not match pending action type",
				xerrors.WithMetadata("session_id", s.ID))
		}
	}
	return nil
}

// IsConfirmed 判断用户是否已确认 key。
func (s *Session) IsConfirmed(key string) bool {
	if s == nil || key == "" {
		return false
	}
	for _, confirmed := range s.Confirmations {
		if confirmed == key {
			return true
		}
	}
	return false
}

// LastAssistantText 返回最近一条助手消息的文本。
func (s *Session) LastAssistantText() string {
	if s == nil {
		return ""
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant && s.Messages[i].Content != "" {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Clone 返回深拷贝，调用方可以安全地修改副本。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, msg := range s.Messages {
		if len(msg.ToolCalls) > 0 {
			calls := make([]ToolCall, len(msg.ToolCalls))
			for j, call := range msg.ToolCalls {
				call.Input = cloneRaw(call.Input)
				calls[j] = call
			}
			msg.ToolCalls = calls
		}
		out.Messages[i] = msg
	}
	if s.Confirmations != nil {
		out.Confirmations = append([]string(nil), s.Confirmations...)
	}
	if s.PendingAction != nil {
		action := *s.PendingAction
		action.Data = cloneRaw(action.Data)
		out.PendingAction = &action
	}
	return &out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func statusForAction(t ActionType) Status {
	if t == ActionSignature {
		return StatusAwaitingSignature
	}
	return StatusAwaitingUserAction
}
