package retrieval

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aihub/rag-assistant/internal/knowledge"
)

func results(texts ...string) []knowledge.Result {
	out := make([]knowledge.Result, len(texts))
	for i, t := range texts {
		out[i] = knowledge.Result{Chunk: knowledge.Chunk{Text: t}}
	}
	return out
}

func TestAssemble_JoinsInInputOrder(t *testing.T) {
	got := Assemble(results("first", "second", "third"), 1000)
	assert.Equal(t, "first\n\n---\n\nsecond\n\n---\n\nthird", got)
}

func TestAssemble_DedupesByteIdenticalTexts(t *testing.T) {
	got := Assemble(results("a", "b", "a", "c", "b"), 1000)
	assert.Equal(t, "a\n\n---\n\nb\n\n---\n\nc", got)

	// 大小写不同不算重复
	got = Assemble(results("a", "A"), 1000)
	assert.Equal(t, "a\n\n---\n\nA", got)
}

func TestAssemble_TruncatesAtFirstOverflow(t *testing.T) {
	// "aaaa"(4) + delim(7) + "bbbb"(4) = 15
	got := Assemble(results("aaaa", "bbbb", "c"), 15)
	assert.Equal(t, "aaaa\n\n---\n\nbbbb"+TruncationMarker, got)

	// 后面更短的片段也不再追加
	got = Assemble(results("aaaa", "bbbbbbbbbb", "c"), 15)
	assert.Equal(t, "aaaa"+TruncationMarker, got)
}

func TestAssemble_ExactBudgetHasNoMarker(t *testing.T) {
	got := Assemble(results("aaaa", "bbbb"), 15)
	assert.Equal(t, "aaaa\n\n---\n\nbbbb", got)
	assert.NotContains(t, got, TruncationMarker)
}

func TestAssemble_FirstChunkTooLarge(t *testing.T) {
	got := Assemble(results(strings.Repeat("x", 20)), 10)
	assert.Equal(t, TruncationMarker, got)
}

func TestAssemble_CountsRunesNotBytes(t *testing.T) {
	// 每个汉字 3 字节，按字符计为 4
	got := Assemble(results("向量检索"), 4)
	assert.Equal(t, "向量检索", got)
}

func TestAssemble_UnlimitedBudget(t *testing.T) {
	got := Assemble(results("a", "b"), 0)
	assert.Equal(t, "a\n\n---\n\nb", got)
}

func TestAssemble_Deterministic(t *testing.T) {
	in := results("z", "y", "x", "y", "w")
	first := Assemble(in, 12)
	for range 10 {
		assert.Equal(t, first, Assemble(in, 12))
	}
}

func TestAssemble_Empty(t *testing.T) {
	assert.Equal(t, "", Assemble(nil, 100))
}
