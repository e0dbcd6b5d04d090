package retrieval

import (
	"strings"
	"unicode/utf8"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

const (
	// ContextDelimiter 片段之间的分隔符
	ContextDelimiter = "\n\n---\n\n"
	// TruncationMarker 有片段被丢弃时追加
	TruncationMarker = "\n[context truncated]"
)

// Assemble 按输入顺序拼接片段文本，字节相同的文本只保留第一次出现。
// 下一个片段会超出 maxChars（按字符计）时停止并追加截断标记，maxChars<=0 表示不限制。
func Assemble(chunks []knowledge.Result, maxChars int) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Chunk.Text
	}
	return AssembleTexts(texts, maxChars)
}

// AssembleTexts 同 Assemble，直接处理文本
func AssembleTexts(texts []string, maxChars int) string {
	seen := make(map[string]struct{}, len(texts))
	unique := texts[:0:0]
	for _, t := range texts {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}

	var b strings.Builder
	used := 0
	delim := utf8.RuneCountInString(ContextDelimiter)
	for i, t := range unique {
		cost := utf8.RuneCountInString(t)
		if i > 0 {
			cost += delim
		}
		if maxChars > 0 && used+cost > maxChars {
			b.WriteString(TruncationMarker)
			return b.String()
		}
		if i > 0 {
			b.WriteString(ContextDelimiter)
		}
		b.WriteString(t)
		used += cost
	}
	return b.String()
}
