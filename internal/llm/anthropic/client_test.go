package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"OpenMCP-Bridge/internal/llm"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestGenerateTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "Hello there"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	client, err := New(stub, Config{Model: "claude-test", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{
		System:   "be brief",
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "Hello there" || resp.StopReason != llm.StopEndTurn || !resp.StopReason.IsNaturalEnd() {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if stub.lastParams.MaxTokens != 128 || string(stub.lastParams.Model) != "claude-test" {
		t.Fatalf("unexpected params: %+v", stub.lastParams)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Fatalf("system prompt not forwarded: %+v", stub.lastParams.System)
	}
}

func TestGenerateToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "toolu_1", Name: "check_balances", Input: json.RawMessage(`{"token":"ETH"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	client, _ := New(stub, Config{})

	resp, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "what's my balance"}},
		Tools: []llm.ToolDefinition{{
			Name:        "check_balances",
			Description: "Check balances",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"token":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "toolu_1" || call.Name != "check_balances" || string(call.Input) != `{"token":"ETH"}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if resp.StopReason != llm.StopToolUse || resp.StopReason.IsNaturalEnd() {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if len(stub.lastParams.Tools) != 1 || stub.lastParams.Tools[0].OfTool.Name != "check_balances" {
		t.Fatalf("tools not forwarded: %+v", stub.lastParams.Tools)
	}
	if stub.lastParams.MaxTokens != defaultMaxTokens {
		t.Fatalf("expected default max tokens, got %d", stub.lastParams.MaxTokens)
	}
}

func TestEncodeMessagesPairsToolResults(t *testing.T) {
	msgs, err := encodeMessages([]llm.Message{
		{Role: llm.RoleUser, Text: "bridge 1 eth"},
		{Role: llm.RoleAssistant, Text: "Quoting.", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_bridge_quote"}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "c1", Content: `{"ok":true}`}}},
	})
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if len(msgs[1].Content) != 2 || msgs[1].Content[1].OfToolUse == nil {
		t.Fatalf("assistant turn should carry the tool_use block")
	}
	if msgs[2].Content[0].OfToolResult == nil || msgs[2].Content[0].OfToolResult.ToolUseID != "c1" {
		t.Fatalf("tool result not paired with its call")
	}
}

func TestEncodeMessagesRequiresContent(t *testing.T) {
	if _, err := encodeMessages([]llm.Message{{Role: llm.RoleUser}}); err == nil {
		t.Fatalf("expected error for empty transcript")
	}
}

func TestGenerateWrapsSDKError(t *testing.T) {
	boom := errors.New("overloaded")
	client, _ := New(&stubMessagesClient{err: boom}, Config{})
	_, err := client.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped sdk error, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil messages client")
	}
	if _, err := NewFromConfig(Config{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
