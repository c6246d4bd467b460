package intent

import "strconv"

// Intent 表示用户消息被识别出的意图类别。
type Intent string

const (
	IntentBridge     Intent = "bridge"
	IntentSwapBridge Intent = "swap_bridge"
	IntentBalance    Intent = "balance"
	IntentHelp       Intent = "help"
	IntentCancel     Intent = "cancel"
	IntentConfirm    Intent = "confirm"
	IntentReject     Intent = "reject"
	IntentUnknown    Intent = "unknown"
)

// Confidence 是解析结果的置信度等级。
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// 缺失字段名称，和工具参数命名保持一致。
const (
	FieldAmount    = "amount"
	FieldToken     = "token"
	FieldFromToken = "fromToken"
	FieldToToken   = "toToken"
	FieldFromChain = "fromChain"
	FieldToChain   = "toChain"
)

// ParsedRequest 是按意图区分的解析结果，每种意图只携带与之相关的实体。
type ParsedRequest interface {
	Intent() Intent
	Confidence() Confidence
	Text() string
}

// Meta 保存所有解析结果共有的字段。
type Meta struct {
	Kind  Intent     `json:"intent"`
	Level Confidence `json:"confidence"`
	Raw   string     `json:"raw"`
}

func (m Meta) Intent() Intent         { return m.Kind }
func (m Meta) Confidence() Confidence { return m.Level }
func (m Meta) Text() string           { return m.Raw }

// Amount 描述用户给出的数量。IsAll 表示“全部余额”。
type Amount struct {
	Value float64 `json:"value,omitempty"`
	Raw   string  `json:"raw,omitempty"`
	IsAll bool    `json:"is_all,omitempty"`
}

// String 返回便于展示的数量文本。
func (a *Amount) String() string {
	if a == nil {
		return ""
	}
	if a.IsAll {
		return "all"
	}
	if a.Raw != "" {
		return a.Raw
	}
	return strconv.FormatFloat(a.Value, 'f', -1, 64)
}

// BridgeRequest 描述跨链转移请求。
type BridgeRequest struct {
	Meta
	Amount    *Amount  `json:"amount,omitempty"`
	Token     string   `json:"token,omitempty"`
	FromChain string   `json:"from_chain,omitempty"`
	ToChain   string   `json:"to_chain,omitempty"`
	Missing   []string `json:"missing"`
}

// SwapBridgeRequest 描述跨链并换币的请求。
type SwapBridgeRequest struct {
	Meta
	Amount    *Amount  `json:"amount,omitempty"`
	FromToken string   `json:"from_token,omitempty"`
	ToToken   string   `json:"to_token,omitempty"`
	FromChain string   `json:"from_chain,omitempty"`
	ToChain   string   `json:"to_chain,omitempty"`
	Missing   []string `json:"missing"`
}

// BalanceRequest 描述余额查询，代币与链均可缺省。
type BalanceRequest struct {
	Meta
	Token string `json:"token,omitempty"`
	Chain string `json:"chain,omitempty"`
}

// SimpleRequest 用于 help、cancel、confirm、reject 等不带实体的意图。
type SimpleRequest struct {
	Meta
}

// UnknownRequest 表示无法识别的消息，附带澄清问题。
type UnknownRequest struct {
	Meta
	PossibleIntents    []Intent `json:"possible_intents"`
	Question           string   `json:"question"`
	NeedsClarification bool     `json:"needs_clarification"`
}

var (
	_ ParsedRequest = (*BridgeRequest)(nil)
	_ ParsedRequest = (*SwapBridgeRequest)(nil)
	_ ParsedRequest = (*BalanceRequest)(nil)
	_ ParsedRequest = (*SimpleRequest)(nil)
	_ ParsedRequest = (*UnknownRequest)(nil)
)

// confidenceFor 按“已识别字段 / 字段总数”计算置信度，模糊匹配最多给到 medium。
func confidenceFor(found, total int, fuzzy bool) Confidence {
	if total <= 0 {
		return ConfidenceLow
	}
	ratio := float64(found) / float64(total)
	level := ConfidenceLow
	switch {
	case ratio >= 0.75:
		level = ConfidenceHigh
	case ratio >= 0.5:
		level = ConfidenceMedium
	}
	if fuzzy && level == ConfidenceHigh {
		level = ConfidenceMedium
	}
	return level
}
