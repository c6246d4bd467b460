package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	xerrors "OpenMCP-Bridge/internal/errors"
	"OpenMCP-Bridge/internal/session"
)

// Category 对工具按副作用分类。
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryUtility Category = "utility"
)

// 工具失败码，作为 Failure.Code 回传给大模型。
const (
	FailureUnknownTool   = "UNKNOWN_TOOL"
	FailureInvalidInput  = "INVALID_INPUT"
	FailureExecution     = "EXECUTION_ERROR"
	FailureWalletMissing = "WALLET_REQUIRED"

	FailureConfirmationRequired = "CONFIRMATION_REQUIRED"
)

// Definition 是工具对外暴露的描述信息。
//
// RequiresConfirmation 的工具只有在用户确认过输入字段 ConfirmationKey 的取值后才会执行，
// 确认在一次成功执行后失效。RequiresSignature 的工具才允许返回签名类挂起动作。
type Definition struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	InputSchema          json.RawMessage `json:"input_schema"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
	ConfirmationKey      string          `json:"confirmation_key,omitempty"`
	RequiresSignature    bool            `json:"requires_signature"`
	Category             Category        `json:"category"`
}

// Result 是工具执行结果，只能是 *Success、*Failure 或 *PendingAction 之一。
type Result interface {
	isResult()
}

// Success 表示执行成功。
type Success struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Failure 表示可恢复的失败，会作为工具结果反馈给大模型。
type Failure struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PendingAction 表示需要用户确认、签名或补充输入后才能继续。
// 确认类动作通过 ConfirmationKey 指明用户确认的对象。
type PendingAction struct {
	ActionType      session.ActionType `json:"action_type"`
	Message         string             `json:"message"`
	Data            any                `json:"data,omitempty"`
	ExpiresAt       time.Time          `json:"expires_at,omitempty"`
	ConfirmationKey string             `json:"confirmation_key,omitempty"`
}

func (*Success) isResult()       {}
func (*Failure) isResult()       {}
func (*PendingAction) isResult() {}

// Succeed 构造成功结果。
func Succeed(data any, message string) *Success {
	return &Success{Data: data, Message: message}
}

// Fail 构造失败结果。
func Fail(code, message string) *Failure {
	return &Failure{Code: code, Message: message}
}

// FailWithDetails 构造携带细节的失败结果。
func FailWithDetails(code, message string, details map[string]any) *Failure {
	return &Failure{Code: code, Message: message, Details: details}
}

// FailFromError 将协作方返回的编码错误转换为工具失败。
func FailFromError(err error) *Failure {
	code := xerrors.CodeOf(err)
	if code == "" || code == xerrors.CodeUnknown {
		return Fail(FailureExecution, "the tool could not complete the request")
	}
	return Fail(string(code), xerrors.UserMessage(err))
}

// Context 是工具执行时可见的调用上下文。
type Context struct {
	UserID        string
	WalletAddress string
	Session       *session.Session
	Sessions      *session.Store
}

// SessionID 返回当前会话 ID。
func (c Context) SessionID() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.ID
}

// Confirmed 判断用户是否已在当前会话中确认 key。
func (c Context) Confirmed(key string) bool {
	return c.Session.IsConfirmed(key)
}

// Tool 是可被智能体调用的能力单元。
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, input json.RawMessage, tc Context, callID string) (Result, error)
}

// Handler 是强类型工具的执行函数。
type Handler[In any] func(ctx context.Context, in In, tc Context, callID string) (Result, error)

// NewTool 基于输入类型 In 构造工具，原始 JSON 会先解码到 In 再交给 handler。
func NewTool[In any](def Definition, handler Handler[In]) Tool {
	if len(bytes.TrimSpace(def.InputSchema)) == 0 {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return &typedTool[In]{def: def, handler: handler}
}

type typedTool[In any] struct {
	def     Definition
	handler Handler[In]
}

func (t *typedTool[In]) Definition() Definition { return t.def }

func (t *typedTool[In]) Execute(ctx context.Context, input json.RawMessage, tc Context, callID string) (Result, error) {
	var in In
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &in); err != nil {
			return Fail(FailureInvalidInput, "tool input could not be decoded: "+err.Error()), nil
		}
	}
	return t.handler(ctx, in, tc, callID)
}
