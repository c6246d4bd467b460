package agent

import (
	"OpenMCP-Bridge/internal/llm"
	"OpenMCP-Bridge/internal/session"
)

// notExecutedResult 是未执行工具调用的占位结果。
const notExecutedResult = `{"status":"error","code":"NOT_EXECUTED","message":"not executed: an earlier call in the same batch is waiting for the user"}`

// BuildTranscript 把会话记录转换为模型消息。tool 消息转为携带工具结果的用户消息，
// 相邻的同角色消息合并为一条；批次中未执行的调用补上占位结果，
// 保证每个工具调用都有对应结果。系统消息不参与回放。
func BuildTranscript(messages []session.Message) []llm.Message {
	b := transcriptBuilder{}
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			b.closeBatch()
			m := b.current(llm.RoleAssistant)
			m.Text = joinText(m.Text, msg.Content)
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
				b.open = append(b.open, call.ID)
			}
		case session.RoleTool:
			if !b.answer(msg.ToolCallID) {
				continue
			}
			m := b.current(llm.RoleUser)
			m.ToolResults = append(m.ToolResults, llm.ToolResult{
				ToolCallID: msg.ToolCallID,
				Content:    msg.Content,
				IsError:    msg.IsError,
			})
		case session.RoleUser:
			b.closeBatch()
			m := b.current(llm.RoleUser)
			m.Text = joinText(m.Text, msg.Content)
		}
	}
	b.closeBatch()
	return b.out
}

type transcriptBuilder struct {
	out []llm.Message
	// open 是最近一条助手消息中尚未得到结果的调用 ID，按调用顺序排列。
	open []string
}

// current 返回可追加内容的末尾消息，角色不同时新建一条。
func (b *transcriptBuilder) current(role llm.Role) *llm.Message {
	if n := len(b.out); n > 0 && b.out[n-1].Role == role {
		return &b.out[n-1]
	}
	b.out = append(b.out, llm.Message{Role: role})
	return &b.out[len(b.out)-1]
}

// answer 把调用标记为已有结果。找不到对应调用的结果会被丢弃。
func (b *transcriptBuilder) answer(callID string) bool {
	for i, id := range b.open {
		if id == callID {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return true
		}
	}
	return false
}

// closeBatch 为仍未得到结果的调用补上占位结果。
func (b *transcriptBuilder) closeBatch() {
	if len(b.open) == 0 {
		return
	}
	m := b.current(llm.RoleUser)
	for _, id := range b.open {
		m.ToolResults = append(m.ToolResults, llm.ToolResult{
			ToolCallID: id,
			Content:    notExecutedResult,
			IsError:    true,
		})
	}
	b.open = nil
}

func joinText(existing, next string) string {
	if next == "" {
		return existing
	}
	if existing == "" {
		return next
	}
	return existing + "\n\n" + next
}
