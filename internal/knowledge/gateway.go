package knowledge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
	"github.com/aihub/rag-assistant/internal/resilience"
)

// Gateway 嵌入网关：分批、重试、维度校验
type Gateway struct {
	provider  EmbeddingProvider
	dimension int
	retry     resilience.RetryPolicy
	logger    *zap.Logger
}

// GatewayOption 网关可选项
type GatewayOption func(*Gateway)

// WithRetryPolicy 覆盖默认重试策略
func WithRetryPolicy(p resilience.RetryPolicy) GatewayOption {
	return func(g *Gateway) { g.retry = p }
}

// WithGatewayLogger 注入Logger
func WithGatewayLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway 创建嵌入网关，dimension 为声明的向量维度
func NewGateway(provider EmbeddingProvider, dimension int, opts ...GatewayOption) (*Gateway, error) {
	if provider == nil {
		return nil, apperrors.NewInvalidConfiguration("embedding provider is required")
	}
	if dimension <= 0 {
		return nil, apperrors.NewInvalidConfiguration("embedding dimension must be positive, got %d", dimension)
	}
	g := &Gateway{
		provider:  provider,
		dimension: dimension,
		retry:     resilience.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logger.OrDefault(g.logger, "embedding")
	return g, nil
}

// Dimension 声明的向量维度
func (g *Gateway) Dimension() int {
	return g.dimension
}

// Embed 批量生成向量，结果与输入一一对应
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchSize := g.provider.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vectors, err := g.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery 单条查询向量化
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (g *Gateway) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32
	attempt := 0
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		if attempt > 0 {
			metrics.EmbeddingRetries.Inc()
			g.logger.Warn("retrying embedding batch", zap.Int("attempt", attempt+1), zap.Int("size", len(batch)))
		}
		attempt++

		var err error
		vectors, err = g.provider.EmbedBatch(ctx, batch)
		metrics.EmbeddingRequests.WithLabelValues(metrics.Status(err)).Inc()
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.NewEmbeddingUnavailable(ctx.Err())
		}
		unavailable := apperrors.NewEmbeddingUnavailable(err)
		unavailable.Transient = apperrors.IsTransient(err)
		g.logger.Error("embedding batch failed",
			zap.Int("attempts", attempt),
			zap.String("first_text", truncateRunes(batch[0], 80)),
			zap.Error(err),
		)
		return nil, unavailable
	}

	if len(vectors) != len(batch) {
		return nil, apperrors.NewEmbeddingUnavailable(
			fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(batch)))
	}
	// 维度不一致直接失败，不做填充或截断
	for _, v := range vectors {
		if len(v) != g.dimension {
			return nil, apperrors.NewDimensionMismatch(g.dimension, len(v))
		}
	}
	return vectors, nil
}
