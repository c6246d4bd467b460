package llm

import (
	"context"
	"encoding/json"
)

// Role 是发送给大模型的消息角色。系统指令单独放在 Request.System 中。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall 是大模型请求执行的一次工具调用。
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult 是回传给大模型的工具执行结果，通过 ToolCallID 与调用配对。
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message 是一条对话消息。助手消息可以携带工具调用，用户消息可以携带工具结果。
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolDefinition 描述提供给大模型的工具。
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request 描述一次模型调用。
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// StopReason 表示模型停止生成的原因。
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopSequence     StopReason = "stop_sequence"
	StopUnrecognized StopReason = "unknown"
)

// IsNaturalEnd 判断模型是否主动结束了本轮对话。
func (r StopReason) IsNaturalEnd() bool {
	return r == StopEndTurn || r == StopSequence
}

// Usage 是一次调用的 token 用量。
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response 是大模型返回的结构化结果。
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
