package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/aihub/rag-assistant/internal/llm"
)

const expansionPrompt = `Rewrite the user's search query in %d different ways that keep its meaning but vary the wording.
Return one query per line with no numbering and no extra text.`

// Expander 用语言模型生成查询改写
type Expander struct {
	completer llm.Completer
	count     int
}

// NewExpander count<=0 时不扩展
func NewExpander(completer llm.Completer, count int) *Expander {
	return &Expander{completer: completer, count: count}
}

// Enabled 是否会调用模型
func (e *Expander) Enabled() bool {
	return e != nil && e.completer != nil && e.count > 0
}

// Expand 返回最多 count 条不同于原查询的改写
func (e *Expander) Expand(ctx context.Context, query string) ([]string, error) {
	if !e.Enabled() {
		return nil, nil
	}
	reply, err := e.completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(expansionPrompt, e.count)},
		{Role: llm.RoleUser, Content: query},
	})
	if err != nil {
		return nil, err
	}
	return parseParaphrases(reply, query, e.count), nil
}

// parseParaphrases 按行拆分，去掉编号和重复
func parseParaphrases(reply, query string, limit int) []string {
	seen := map[string]bool{normalizeQuery(query): true}
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || unicode.IsSpace(r) || strings.ContainsRune(".)-*•", r)
		})
		line = strings.Trim(strings.TrimSpace(line), `"`)
		if line == "" {
			continue
		}
		key := normalizeQuery(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
