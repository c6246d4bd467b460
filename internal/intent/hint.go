package intent

import (
	"fmt"
	"strings"
)

// Hint 把解析结果压缩成一行提示，附加在用户消息后交给大模型参考。
func Hint(req ParsedRequest) string {
	if req == nil {
		return ""
	}
	parts := []string{
		"intent=" + string(req.Intent()),
		"confidence=" + string(req.Confidence()),
	}
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}

	switch r := req.(type) {
	case *BridgeRequest:
		add("amount", r.Amount.String())
		add("token", r.Token)
		add("from", r.FromChain)
		add("to", r.ToChain)
		add("missing", strings.Join(r.Missing, ","))
	case *SwapBridgeRequest:
		add("amount", r.Amount.String())
		add("from_token", r.FromToken)
		add("to_token", r.ToToken)
		add("from", r.FromChain)
		add("to", r.ToChain)
		add("missing", strings.Join(r.Missing, ","))
	case *BalanceRequest:
		add("token", r.Token)
		add("chain", r.Chain)
	case *UnknownRequest:
		possible := make([]string, 0, len(r.PossibleIntents))
		for _, intent := range r.PossibleIntents {
			possible = append(possible, string(intent))
		}
		add("possible", strings.Join(possible, ","))
		add("clarify", fmt.Sprintf("%q", r.Question))
	}
	return "[parsed " + strings.Join(parts, " ") + "]"
}

// Enrich 返回附带解析提示的用户消息。
func Enrich(message string, req ParsedRequest) string {
	hint := Hint(req)
	if hint == "" {
		return message
	}
	return strings.TrimSpace(message) + "\n\n" + hint
}
