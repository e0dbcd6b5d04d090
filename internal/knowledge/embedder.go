package knowledge

import (
	"context"
	"hash/fnv"
	"math"
)

// EmbeddingProvider 外部嵌入模型，返回固定维度的向量
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions 模型原生维度，未知时返回 0
	Dimensions() int
	// MaxBatchSize 单次请求允许的最大文本数
	MaxBatchSize() int
}

// HashEmbedder 基于特征哈希的本地嵌入，离线和测试使用
type HashEmbedder struct {
	dimensions int
	batchSize  int
}

// NewHashEmbedder 创建本地哈希嵌入器
func NewHashEmbedder(dimensions, batchSize int) *HashEmbedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &HashEmbedder{dimensions: dimensions, batchSize: batchSize}
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashEmbedder) Dimensions() int   { return h.dimensions }
func (h *HashEmbedder) MaxBatchSize() int { return h.batchSize }

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dimensions)
	if h.dimensions == 0 {
		return vec
	}
	for _, w := range terms(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimensions))
		// 高位决定符号，减少碰撞偏置
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var n float64
	for _, v := range vec {
		n += float64(v) * float64(v)
	}
	if n == 0 {
		return vec
	}
	n = math.Sqrt(n)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / n)
	}
	return vec
}
