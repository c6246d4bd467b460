package intent

import (
	"fmt"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"
)

// AliasEntry 把一个规范名称与它的全部别名关联起来。
type AliasEntry struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
}

// AliasTable 是大小写无关的别名表，保持条目的声明顺序以保证匹配结果确定。
type AliasTable struct {
	entries []AliasEntry
	exact   map[string]string
}

// NewAliasTable 根据条目构建别名表，规范名称本身也会作为别名。
func NewAliasTable(entries []AliasEntry) *AliasTable {
	table := &AliasTable{exact: make(map[string]string)}
	for _, entry := range entries {
		canonical := strings.TrimSpace(entry.Canonical)
		if canonical == "" {
			continue
		}
		aliases := make([]string, 0, len(entry.Aliases)+1)
		for _, alias := range append([]string{canonical}, entry.Aliases...) {
			key := normalizeAlias(alias)
			if key == "" {
				continue
			}
			if _, exists := table.exact[key]; !exists {
				table.exact[key] = canonical
			}
			aliases = append(aliases, key)
		}
		table.entries = append(table.entries, AliasEntry{Canonical: canonical, Aliases: aliases})
	}
	return table
}

// Canonicals 返回全部规范名称。
func (t *AliasTable) Canonicals() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.entries))
	for _, entry := range t.entries {
		names = append(names, entry.Canonical)
	}
	return names
}

// Lookup 只做精确匹配。
func (t *AliasTable) Lookup(input string) (string, bool) {
	if t == nil {
		return "", false
	}
	canonical, ok := t.exact[normalizeAlias(input)]
	return canonical, ok
}

// AliasFile 是别名 YAML 文件的结构。
type AliasFile struct {
	Chains []AliasEntry `yaml:"chains"`
	Tokens []AliasEntry `yaml:"tokens"`
}

// LoadAliasFile 从 YAML 读取链与代币别名，缺省的部分回落到内置表。
func LoadAliasFile(path string) (chains, tokens *AliasTable, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("读取别名文件失败: %w", err)
	}
	var file AliasFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, nil, fmt.Errorf("解析别名文件失败: %w", err)
	}
	chains = DefaultChainAliases()
	if len(file.Chains) > 0 {
		chains = NewAliasTable(file.Chains)
	}
	tokens = DefaultTokenAliases()
	if len(file.Tokens) > 0 {
		tokens = NewAliasTable(file.Tokens)
	}
	return chains, tokens, nil
}

// DefaultChainAliases 返回内置的链别名表，数字别名对应链 ID。
func DefaultChainAliases() *AliasTable {
	return NewAliasTable([]AliasEntry{
		{Canonical: "Ethereum", Aliases: []string{"ethereum mainnet", "eth mainnet", "mainnet", "l1", "1"}},
		{Canonical: "Base", Aliases: []string{"base mainnet", "8453"}},
		{Canonical: "Arbitrum", Aliases: []string{"arbitrum one", "arb", "arb1", "42161"}},
		{Canonical: "Optimism", Aliases: []string{"op mainnet", "op", "optimism mainnet", "10"}},
		{Canonical: "Polygon", Aliases: []string{"polygon pos", "matic", "poly", "137"}},
		{Canonical: "BNB Chain", Aliases: []string{"bsc", "bnb smart chain", "binance smart chain", "binance", "56"}},
		{Canonical: "Avalanche", Aliases: []string{"avalanche c chain", "avax", "43114"}},
	})
}

// DefaultTokenAliases 返回内置的代币别名表。
func DefaultTokenAliases() *AliasTable {
	return NewAliasTable([]AliasEntry{
		{Canonical: "ETH", Aliases: []string{"ether"}},
		{Canonical: "USDC", Aliases: []string{"usd coin", "usdc.e"}},
		{Canonical: "USDT", Aliases: []string{"tether"}},
		{Canonical: "DAI"},
		{Canonical: "WETH", Aliases: []string{"wrapped ether"}},
		{Canonical: "WBTC", Aliases: []string{"wrapped bitcoin"}},
		{Canonical: "POL", Aliases: []string{"matic"}},
		{Canonical: "BNB"},
	})
}

type matchKind int

const (
	matchNone matchKind = iota
	matchExact
	matchContains
	matchFuzzy
)

type resolution struct {
	value string
	kind  matchKind
}

func (r resolution) ok() bool    { return r.kind != matchNone }
func (r resolution) fuzzy() bool { return r.kind == matchFuzzy }

// fuzzyPolicy 控制编辑距离兜底匹配的严格程度。
type fuzzyPolicy struct {
	minInputLen int
	minAliasLen int
	maxDistance func(inputLen int) int
}

var (
	chainPolicy = fuzzyPolicy{minInputLen: 3, minAliasLen: 4, maxDistance: func(int) int { return 2 }}
	// 代币符号很短，阈值随长度缩放，避免 btc 与 eth 这类误配。
	tokenPolicy = fuzzyPolicy{minInputLen: 4, minAliasLen: 3, maxDistance: func(n int) int { return n / 4 }}
)

// resolve 依次尝试精确匹配、包含匹配与编辑距离匹配。
func (t *AliasTable) resolve(input string, policy fuzzyPolicy) resolution {
	key := normalizeAlias(input)
	if t == nil || key == "" {
		return resolution{}
	}
	if canonical, ok := t.exact[key]; ok {
		return resolution{value: canonical, kind: matchExact}
	}

	// 包含匹配：取最长的命中别名。
	best, bestLen := "", 0
	padded := " " + key + " "
	for _, entry := range t.entries {
		for _, alias := range entry.Aliases {
			if len(alias) < 3 || isNumeric(alias) {
				continue
			}
			hit := strings.Contains(padded, " "+alias+" ") ||
				(len(key) >= 4 && strings.Contains(alias, key))
			if hit && len(alias) > bestLen {
				best, bestLen = entry.Canonical, len(alias)
			}
		}
	}
	if best != "" {
		return resolution{value: best, kind: matchContains}
	}

	if len(key) < policy.minInputLen {
		return resolution{}
	}
	limit := policy.maxDistance(len(key))
	bestDistance := limit + 1
	for _, entry := range t.entries {
		for _, alias := range entry.Aliases {
			if len(alias) < policy.minAliasLen || isNumeric(alias) {
				continue
			}
			if d := levenshtein.ComputeDistance(key, alias); d <= limit && d < bestDistance {
				best, bestDistance = entry.Canonical, d
			}
		}
	}
	if best == "" {
		return resolution{}
	}
	return resolution{value: best, kind: matchFuzzy}
}

func normalizeAlias(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
