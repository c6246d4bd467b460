package intent

import (
	"regexp"
	"strings"

	xerrors "OpenMCP-Bridge/internal/errors"
)

var (
	cancelRe       = regexp.MustCompile(`\b(cancel|abort|stop|nevermind|never mind|forget it|forget about it|quit)\b`)
	confirmRe      = regexp.MustCompile(`^(yes|y|yep|yeah|yup|sure|ok|okay|confirm|confirmed|approve|approved|go ahead|proceed|do it|lets go|sounds good)( please| thanks)?$`)
	rejectRe       = regexp.MustCompile(`^(no|n|nope|nah|reject|decline|deny|dont|do not)( thanks| thank you)?$`)
	helpDirectRe   = regexp.MustCompile(`^(how do i|how can i|what can you|what do you do|what are you)\b`)
	helpRe         = regexp.MustCompile(`\b(help|how does|how do|how to|guide|tutorial|explain|commands)\b`)
	helpLiteralRe  = regexp.MustCompile(`\bhelp\b`)
	actionRe       = regexp.MustCompile(`\b(bridge|move|transfer|send|swap|convert|balance|balances)\b`)
	balanceRe      = regexp.MustCompile(`\b(balance|balances|holdings|portfolio)\b|\bhow much\b.*\b(do i have|have i got|i have|i own|i hold)\b|\bwhat do i (have|own|hold)\b`)
	swapKeywordRe  = regexp.MustCompile(`\b(swap|convert|exchange|trade)\b`)
	bridgeKeyword  = regexp.MustCompile(`\b(bridge|move|transfer|send|port|shift)\b|->`)
	numberAnywhere = regexp.MustCompile(`\d`)
)

// Parser 是确定性的自然语言预处理器，不依赖任何外部服务。
type Parser struct {
	chains   *AliasTable
	tokens   *AliasTable
	matchers []matcher
}

// Option 定义 Parser 的可选配置。
type Option func(*Parser)

// WithChainAliases 替换链别名表。
func WithChainAliases(table *AliasTable) Option {
	return func(p *Parser) {
		if table != nil {
			p.chains = table
		}
	}
}

// WithTokenAliases 替换代币别名表。
func WithTokenAliases(table *AliasTable) Option {
	return func(p *Parser) {
		if table != nil {
			p.tokens = table
		}
	}
}

// NewParser 创建解析器，默认使用内置别名表。
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		chains: DefaultChainAliases(),
		tokens: DefaultTokenAliases(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.matchers = defaultMatchers()
	return p
}

var defaultParser = NewParser()

// Parse 使用内置别名表解析消息。
func Parse(text string) (ParsedRequest, error) {
	return defaultParser.Parse(text)
}

// Parse 解析一条用户消息。只有空输入会返回错误。
func (p *Parser) Parse(text string) (ParsedRequest, error) {
	if strings.TrimSpace(text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message is empty")
	}
	normalized := normalizeText(text)
	in := input{raw: text, text: normalized, chains: p.extractChains(normalized)}
	in.tokenText = stripPhrases(normalized, in.chains.phrases())

	for _, m := range p.matchers {
		if m.match(p, &in) {
			return m.extract(p, &in), nil
		}
	}
	return p.unknown(&in), nil
}

// input 是单次解析过程中共享的中间结果。
type input struct {
	raw       string
	text      string
	tokenText string
	chains    chainExtraction
}

// matcher 是一条有序的意图识别策略：先判断是否命中，再抽取实体。
type matcher struct {
	intent  Intent
	match   func(p *Parser, in *input) bool
	extract func(p *Parser, in *input) ParsedRequest
}

func defaultMatchers() []matcher {
	return []matcher{
		{intent: IntentCancel, match: regexMatch(cancelRe), extract: simple(IntentCancel)},
		{intent: IntentConfirm, match: regexMatch(confirmRe), extract: simple(IntentConfirm)},
		{intent: IntentReject, match: regexMatch(rejectRe), extract: simple(IntentReject)},
		{intent: IntentHelp, match: isHelp, extract: simple(IntentHelp)},
		{intent: IntentBalance, match: regexMatch(balanceRe), extract: (*Parser).balance},
		{intent: IntentSwapBridge, match: isSwapBridge, extract: (*Parser).swapBridge},
		{intent: IntentBridge, match: isBridge, extract: (*Parser).bridge},
	}
}

func regexMatch(re *regexp.Regexp) func(*Parser, *input) bool {
	return func(_ *Parser, in *input) bool { return re.MatchString(in.text) }
}

func simple(kind Intent) func(*Parser, *input) ParsedRequest {
	return func(_ *Parser, in *input) ParsedRequest {
		return &SimpleRequest{Meta: Meta{Kind: kind, Level: ConfidenceHigh, Raw: in.raw}}
	}
}

// isHelp: "how do I / what can you" 直接视为求助；同时命中操作词时只有出现 help 字样才算。
func isHelp(_ *Parser, in *input) bool {
	if helpDirectRe.MatchString(in.text) {
		return true
	}
	if !helpRe.MatchString(in.text) {
		return false
	}
	if actionRe.MatchString(in.text) {
		return helpLiteralRe.MatchString(in.text)
	}
	return true
}

func isSwapBridge(p *Parser, in *input) bool {
	if swapKeywordRe.MatchString(in.text) {
		return true
	}
	if !bridgeKeyword.MatchString(in.text) {
		return false
	}
	mentions := p.tokenMentions(in.tokenText)
	if len(mentions) >= 2 {
		return true
	}
	if len(mentions) == 1 {
		if target, ok := p.forToken(in.tokenText); ok && target.value != mentions[0] {
			return true
		}
	}
	return false
}

func isBridge(p *Parser, in *input) bool {
	if bridgeKeyword.MatchString(in.text) {
		return true
	}
	// 没有动词但给出了代币和目标链，例如 "0.1 eth to base"。
	return in.chains.to.res.ok() && len(p.tokenMentions(in.tokenText)) > 0
}

func (p *Parser) forToken(text string) (resolution, bool) {
	m := forTokenRe.FindStringSubmatch(text)
	if m == nil {
		return resolution{}, false
	}
	res := p.tokens.resolve(strings.TrimRight(m[1], "."), tokenPolicy)
	return res, res.ok()
}

func (p *Parser) bridge(in *input) ParsedRequest {
	req := &BridgeRequest{Meta: Meta{Kind: IntentBridge, Raw: in.raw}, Missing: []string{}}
	amount := p.extractAmount(in.tokenText)
	fuzzy := in.chains.fuzzy() || amount.token.fuzzy()

	req.Amount = amount.amount
	req.Token = amount.token.value
	if req.Token == "" {
		if mentions := p.tokenMentions(in.tokenText); len(mentions) > 0 {
			req.Token = mentions[0]
		}
	}
	req.FromChain = in.chains.from.res.value
	req.ToChain = in.chains.to.res.value

	if req.Amount == nil {
		req.Missing = append(req.Missing, FieldAmount)
	}
	if req.Token == "" {
		req.Missing = append(req.Missing, FieldToken)
	}
	if req.FromChain == "" {
		req.Missing = append(req.Missing, FieldFromChain)
	}
	if req.ToChain == "" {
		req.Missing = append(req.Missing, FieldToChain)
	}
	req.Level = confidenceFor(4-len(req.Missing), 4, fuzzy)
	return req
}

func (p *Parser) swapBridge(in *input) ParsedRequest {
	req := &SwapBridgeRequest{Meta: Meta{Kind: IntentSwapBridge, Raw: in.raw}, Missing: []string{}}
	amount := p.extractAmount(in.tokenText)
	fuzzy := in.chains.fuzzy() || amount.token.fuzzy()
	req.Amount = amount.amount

	mentions := p.tokenMentions(in.tokenText)
	req.FromToken = amount.token.value
	if target, ok := p.forToken(in.tokenText); ok {
		req.ToToken = target.value
		fuzzy = fuzzy || target.fuzzy()
	}
	for _, token := range mentions {
		switch {
		case req.FromToken == "" && token != req.ToToken:
			req.FromToken = token
		case req.ToToken == "" && token != req.FromToken:
			req.ToToken = token
		}
	}
	if req.ToToken == req.FromToken {
		req.ToToken = ""
	}
	req.FromChain = in.chains.from.res.value
	req.ToChain = in.chains.to.res.value

	if req.Amount == nil {
		req.Missing = append(req.Missing, FieldAmount)
	}
	if req.FromToken == "" {
		req.Missing = append(req.Missing, FieldFromToken)
	}
	if req.ToToken == "" {
		req.Missing = append(req.Missing, FieldToToken)
	}
	if req.FromChain == "" {
		req.Missing = append(req.Missing, FieldFromChain)
	}
	if req.ToChain == "" {
		req.Missing = append(req.Missing, FieldToChain)
	}
	req.Level = confidenceFor(5-len(req.Missing), 5, fuzzy)
	return req
}

func (p *Parser) balance(in *input) ParsedRequest {
	req := &BalanceRequest{Meta: Meta{Kind: IntentBalance, Raw: in.raw}}
	fuzzy := false

	chain := p.anyChain(in.text)
	req.Chain = chain.value
	fuzzy = chain.fuzzy()

	text := in.tokenText
	if mentions := p.tokenMentions(text); len(mentions) > 0 {
		req.Token = mentions[0]
	} else if m := myTokenRe.FindStringSubmatch(text); m != nil {
		if res := p.tokens.resolve(strings.TrimRight(m[1], "."), tokenPolicy); res.ok() {
			req.Token = res.value
			fuzzy = fuzzy || res.fuzzy()
		}
	}

	req.Level = ConfidenceHigh
	if fuzzy {
		req.Level = ConfidenceMedium
	}
	return req
}

func (p *Parser) unknown(in *input) ParsedRequest {
	hasToken := len(p.tokenMentions(in.tokenText)) > 0
	hasChain := in.chains.from.res.ok() || in.chains.to.res.ok() || p.anyChain(in.text).ok()
	hasNumber := numberAnywhere.MatchString(in.text)

	var possible []Intent
	if hasToken || hasChain || hasNumber {
		possible = append(possible, IntentBridge)
	}
	if hasToken || hasChain {
		possible = append(possible, IntentBalance)
	}
	if len(possible) == 0 {
		possible = append(possible, IntentHelp)
	}

	return &UnknownRequest{
		Meta:               Meta{Kind: IntentUnknown, Level: ConfidenceLow, Raw: in.raw},
		PossibleIntents:    possible,
		Question:           clarifyingQuestion(possible),
		NeedsClarification: true,
	}
}

func clarifyingQuestion(possible []Intent) string {
	hasBridge, hasBalance := false, false
	for _, intent := range possible {
		switch intent {
		case IntentBridge:
			hasBridge = true
		case IntentBalance:
			hasBalance = true
		}
	}
	switch {
	case hasBridge && hasBalance:
		return "I'm not sure what you'd like to do. Do you want to bridge tokens to another chain or check your balance?"
	case hasBridge:
		return "Do you want to bridge tokens? Tell me the amount, the token, and the source and destination chains."
	default:
		return "I'm not sure what you mean. I can bridge tokens between chains or check your balances. What would you like to do?"
	}
}
