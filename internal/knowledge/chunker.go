package knowledge

import (
	"iter"
	"maps"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// Chunker 文本分块器，按空白分词后滑动窗口
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器，要求 0 <= overlap < size
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return nil, apperrors.NewInvalidConfiguration(
			"chunk overlap must satisfy 0 <= overlap < size, got size=%d overlap=%d", chunkSize, overlap)
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}, nil
}

// Size 窗口大小
func (c *Chunker) Size() int { return c.chunkSize }

// Overlap 相邻窗口重叠的 token 数
func (c *Chunker) Overlap() int { return c.chunkOverlap }

// Split 将文档切分为全部chunk
func (c *Chunker) Split(doc Document) []Chunk {
	var chunks []Chunk
	for chunk := range c.Windows(doc) {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Windows 惰性返回分块序列，可重复遍历
func (c *Chunker) Windows(doc Document) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		spans := tokenSpans(doc.Text)
		if len(spans) == 0 {
			return
		}

		step := c.chunkSize - c.chunkOverlap
		for index, start := 0, 0; ; index, start = index+1, start+step {
			end := min(start+c.chunkSize, len(spans))
			chunk := Chunk{
				ID:          RecordID(doc.ID, index),
				DocumentID:  doc.ID,
				Index:       index,
				Text:        doc.Text[spans[start].start:spans[end-1].end],
				StartToken:  start,
				EndToken:    end,
				StartOffset: spans[start].start,
				EndOffset:   spans[end-1].end,
				Metadata:    chunkMetadata(doc),
			}
			if !yield(chunk) {
				return
			}
			// 窗口到达文本末尾即结束
			if end == len(spans) {
				return
			}
		}
	}
}

type span struct {
	start, end int
}

// tokenSpans 以空白分隔的 token 字节区间
func tokenSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

func chunkMetadata(doc Document) map[string]string {
	meta := maps.Clone(doc.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta[MetaDocumentID] = doc.ID
	return meta
}

// CountTokens 文本的 token 数
func CountTokens(text string) int {
	return len(tokenSpans(text))
}

// truncateRunes 按字符截断，用于日志
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
