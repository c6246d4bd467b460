package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(message, intent string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Intents  []string `json:"intents"`
}

// StaticProvider 通过加载 JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按意图和关键词命中数排序返回知识条目。意图命中的条目优先，
// 未声明关键词和意图的条目视为通用提示，排在最后。
func (p *StaticProvider) Query(message, intent string) []Snippet {
	if p == nil {
		return nil
	}

	message = strings.ToLower(strings.TrimSpace(message))
	intent = strings.ToLower(strings.TrimSpace(intent))

	type scored struct {
		snippet Snippet
		score   int
		index   int
	}
	candidates := make([]scored, 0, len(p.items))
	for i, item := range p.items {
		if score, ok := relevance(item, message, intent); ok {
			candidates = append(candidates, scored{snippet: item, score: score, index: i})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	limit := p.maxResults
	if len(candidates) < limit {
		limit = len(candidates)
	}
	results := make([]Snippet, 0, limit)
	for _, c := range candidates[:limit] {
		results = append(results, c.snippet)
	}
	return results
}

func relevance(snippet Snippet, message, intent string) (int, bool) {
	if len(snippet.Keywords) == 0 && len(snippet.Intents) == 0 {
		return 0, true
	}
	score := 0
	for _, candidate := range snippet.Intents {
		if intent != "" && strings.EqualFold(strings.TrimSpace(candidate), intent) {
			score += 10
		}
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(message, normalized) {
			score++
		}
	}
	return score, score > 0
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
