package intent

import (
	"regexp"
	"strings"
)

var (
	commaNumberRe = regexp.MustCompile(`(\d),(\d{3})`)
	spacesRe      = regexp.MustCompile(`\s+`)

	amountTokenRe = regexp.MustCompile(`(?:^|\s)\$?(\d+(?:\.\d+)?|\.\d+)\s*([a-z][a-z0-9.]*)`)
	bareNumberRe  = regexp.MustCompile(`(?:^|\s)\$?(\d+(?:\.\d+)?|\.\d+)(?:\s|$)`)
	allAmountRe   = regexp.MustCompile(`\b(all|max|maximum|everything|entire|whole)\b`)
	myTokenRe     = regexp.MustCompile(`\bmy\s+([a-z][a-z0-9.]*)`)
	forTokenRe    = regexp.MustCompile(`\bfor\s+([a-z][a-z0-9.]*)`)
	wordRe        = regexp.MustCompile(`[a-z][a-z0-9.]*`)

	fromToRe = regexp.MustCompile(`\b(?:from|on)\s+([a-z0-9][a-z0-9 ]*?)\s+(?:to|into|onto|->)\s+([a-z0-9][a-z0-9 ]*?)(?:\s+(?:using|via|with|for|please|now|and|asap)\b|$)`)
	arrowRe  = regexp.MustCompile(`([a-z0-9]+)\s*(?:->|=>)\s*([a-z0-9]+)`)
	pairToRe = regexp.MustCompile(`\b([a-z0-9]+)\s+(?:to|into)\s+([a-z0-9]+)\b`)
	toLead   = regexp.MustCompile(`\b(?:to|into|onto)\s+`)
	fromLead = regexp.MustCompile(`\bfrom\s+`)
	onLead   = regexp.MustCompile(`\b(?:on|in)\s+`)
	// phraseRe 截取引导词之后、下一个介词或连接词之前的短语。
	phraseRe = regexp.MustCompile(`^([a-z0-9][a-z0-9 ]*?)(?:\s+(?:to|into|onto|from|on|in|using|via|with|for|please|now|and|asap)\b|$)`)

	chainWord  = regexp.MustCompile(`[a-z0-9]+`)
	amountWord = regexp.MustCompile(`^\$?(\d+(?:\.\d+)?|\.\d+)$`)
)

// normalizeText 统一大小写与标点，保留数字中的小数点与箭头。
func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("→", " -> ", "=>", " -> ", "’", "", "'", "").Replace(s)
	s = commaNumberRe.ReplaceAllString(s, "$1$2")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '>', r == '$':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	s = spacesRe.ReplaceAllString(b.String(), " ")
	return strings.Trim(s, " .!?-")
}

// chainMention 记录一条被解析成功的链短语，用于后续从文本中剔除。
type chainMention struct {
	phrase string
	res    resolution
}

// chainExtraction 是链识别的结果。
type chainExtraction struct {
	from, to chainMention
}

func (c chainExtraction) fuzzy() bool { return c.from.res.fuzzy() || c.to.res.fuzzy() }

func (c chainExtraction) phrases() []string {
	var out []string
	for _, m := range []chainMention{c.from, c.to} {
		if m.res.ok() && m.phrase != "" {
			out = append(out, m.phrase)
		}
	}
	return out
}

// resolveChainPhrase 先按前缀逐步缩短做精确匹配，再对最多三个词的前缀做包含与模糊匹配。
// 单独的代币符号不会被模糊匹配成链名。
func (p *Parser) resolveChainPhrase(phrase string) resolution {
	words := strings.Fields(phrase)
	if len(words) == 0 {
		return resolution{}
	}
	for n := len(words); n >= 1; n-- {
		if canonical, ok := p.chains.Lookup(strings.Join(words[:n], " ")); ok {
			return resolution{value: canonical, kind: matchExact}
		}
	}
	if _, isToken := p.tokens.Lookup(words[0]); isToken {
		return resolution{}
	}
	for n := min(len(words), 3); n >= 1; n-- {
		if res := p.chains.resolve(strings.Join(words[:n], " "), chainPolicy); res.ok() {
			return res
		}
	}
	return resolution{}
}

// phrasesAfter 返回每个引导词之后的候选短语，按出现顺序排列。
func phrasesAfter(text string, lead *regexp.Regexp) []string {
	var out []string
	for _, loc := range lead.FindAllStringIndex(text, -1) {
		if m := phraseRe.FindStringSubmatch(text[loc[1]:]); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}

// extractChains 依次尝试 from X to Y、X -> Y / X to Y、to Y，再用 from X、on X 补全来源链。
func (p *Parser) extractChains(text string) chainExtraction {
	var out chainExtraction

	if m := fromToRe.FindStringSubmatch(text); m != nil {
		if res := p.resolveChainPhrase(m[1]); res.ok() {
			out.from = chainMention{phrase: m[1], res: res}
		}
		if res := p.resolveChainPhrase(m[2]); res.ok() {
			out.to = chainMention{phrase: m[2], res: res}
		}
	}

	if !out.from.res.ok() && !out.to.res.ok() {
		for _, re := range []*regexp.Regexp{arrowRe, pairToRe} {
			for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
				left, right := text[idx[2]:idx[3]], text[idx[4]:idx[5]]
				// "5 matic to base" 中数量后面的词是代币。
				if p.quantifiedToken(text, idx[2], left) {
					continue
				}
				from, to := p.resolveChainPhrase(left), p.resolveChainPhrase(right)
				if from.ok() && to.ok() {
					out.from = chainMention{phrase: left, res: from}
					out.to = chainMention{phrase: right, res: to}
					break
				}
			}
			if out.to.res.ok() {
				break
			}
		}
	}

	if !out.to.res.ok() {
		for _, phrase := range phrasesAfter(text, toLead) {
			if res := p.resolveChainPhrase(phrase); res.ok() {
				out.to = chainMention{phrase: phrase, res: res}
				break
			}
		}
	}

	if !out.from.res.ok() {
		for _, phrase := range phrasesAfter(text, fromLead) {
			res := p.resolveChainPhrase(phrase)
			if res.ok() && !(out.to.res.ok() && res.value == out.to.res.value) {
				out.from = chainMention{phrase: phrase, res: res}
				break
			}
		}
	}

	// "on X ... on Y"：第一个作为来源链，第二个补全目标链。
	if !out.from.res.ok() || !out.to.res.ok() {
		for _, phrase := range phrasesAfter(text, onLead) {
			res := p.resolveChainPhrase(phrase)
			if !res.ok() {
				continue
			}
			switch {
			case !out.from.res.ok() && !(out.to.res.ok() && res.value == out.to.res.value):
				out.from = chainMention{phrase: phrase, res: res}
			case out.from.res.ok() && !out.to.res.ok() && res.value != out.from.res.value:
				out.to = chainMention{phrase: phrase, res: res}
			}
		}
	}
	return out
}

// quantifiedToken 判断 start 处的词是否是紧跟在数量后面的代币别名。
func (p *Parser) quantifiedToken(text string, start int, word string) bool {
	if _, ok := p.tokens.Lookup(word); !ok {
		return false
	}
	fields := strings.Fields(text[:start])
	return len(fields) > 0 && amountWord.MatchString(fields[len(fields)-1])
}

// anyChain 在文本中寻找第一个精确命中的链名（忽略纯数字别名）。
// 同时是代币别名的单个词（例如 matic）不算作链。
func (p *Parser) anyChain(text string) resolution {
	for _, phrase := range phrasesAfter(text, onLead) {
		if res := p.resolveChainPhrase(phrase); res.ok() {
			return res
		}
	}
	words := chainWord.FindAllString(text, -1)
	for i := range words {
		if isNumeric(words[i]) {
			continue
		}
		if i+1 < len(words) {
			if canonical, ok := p.chains.Lookup(words[i] + " " + words[i+1]); ok {
				return resolution{value: canonical, kind: matchExact}
			}
		}
		if _, isToken := p.tokens.Lookup(words[i]); isToken {
			continue
		}
		if canonical, ok := p.chains.Lookup(words[i]); ok {
			return resolution{value: canonical, kind: matchExact}
		}
	}
	return resolution{}
}

// stripPhrases 从文本中移除已识别为链的短语，避免 "bnb chain" 被当作代币。
func stripPhrases(text string, phrases []string) string {
	for _, phrase := range phrases {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(phrase) + `\b`)
		replaced := false
		text = re.ReplaceAllStringFunc(text, func(match string) string {
			if replaced {
				return match
			}
			replaced = true
			return " "
		})
	}
	return text
}

// tokenMentions 按出现顺序返回去重后的精确代币命中。
func (p *Parser) tokenMentions(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, word := range wordRe.FindAllString(text, -1) {
		canonical, ok := p.tokens.Lookup(strings.TrimRight(word, "."))
		if !ok {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

// amountExtraction 汇总数量识别结果；token 来自 "0.1 eth" 或 "my usdc" 这类结构。
type amountExtraction struct {
	amount *Amount
	token  resolution
}

func (p *Parser) extractAmount(text string) amountExtraction {
	var out amountExtraction

	for _, m := range amountTokenRe.FindAllStringSubmatch(text, -1) {
		res := p.tokens.resolve(strings.TrimRight(m[2], "."), tokenPolicy)
		if !res.ok() {
			continue
		}
		out.amount = newAmount(m[1])
		out.token = res
		return out
	}

	if allAmountRe.MatchString(text) {
		out.amount = &Amount{IsAll: true}
	} else {
		for _, idx := range bareNumberRe.FindAllStringSubmatchIndex(text, -1) {
			if precededByChainKeyword(text, idx[2]) {
				continue
			}
			out.amount = newAmount(text[idx[2]:idx[3]])
			break
		}
	}

	if m := myTokenRe.FindStringSubmatch(text); m != nil {
		if res := p.tokens.resolve(strings.TrimRight(m[1], "."), tokenPolicy); res.ok() {
			out.token = res
			if out.amount == nil {
				out.amount = &Amount{IsAll: true}
			}
		}
	}
	return out
}

func precededByChainKeyword(text string, start int) bool {
	fields := strings.Fields(strings.TrimRight(text[:start], " $"))
	if len(fields) == 0 {
		return false
	}
	switch fields[len(fields)-1] {
	case "from", "to", "on", "chain", "into", "id":
		return true
	}
	return false
}
