package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
	"github.com/aihub/rag-assistant/internal/resilience"
)

// DenseBackend 向量数据库，分数统一为越高越好
type DenseBackend interface {
	Name() string
	DescribeCollection(ctx context.Context, name string) (Collection, bool, error)
	CreateCollection(ctx context.Context, c Collection) error
	Upsert(ctx context.Context, c Collection, records []Record) error
	Delete(ctx context.Context, collection string, ids []string) error
	Count(ctx context.Context, collection string) (int, error)
	Search(ctx context.Context, c Collection, vector []float32, k int, filter Filter) ([]Result, error)
}

// KeywordIndex 关键词检索索引
type KeywordIndex interface {
	Name() string
	EnsureIndex(ctx context.Context, collection string) error
	Index(ctx context.Context, collection string, chunks []Chunk) error
	Delete(ctx context.Context, collection string, ids []string) error
	Search(ctx context.Context, collection string, query string, k int, filter Filter) ([]Result, error)
}

// StoreOptions 存储适配器配置
type StoreOptions struct {
	UpsertBatchSize int
	// HybridCandidates 混合检索时每路召回数量，0 表示 2*k
	HybridCandidates int
	Retry            resilience.RetryPolicy
	Logger           *zap.Logger
}

// Store 向量存储适配器，组合向量后端与关键词索引
type Store struct {
	dense   DenseBackend
	keyword KeywordIndex
	opts    StoreOptions
	logger  *zap.Logger

	mu      sync.RWMutex
	schemas map[string]Collection
}

// NewStore 创建存储适配器
func NewStore(dense DenseBackend, keyword KeywordIndex, opts StoreOptions) (*Store, error) {
	if dense == nil || keyword == nil {
		return nil, apperrors.NewInvalidConfiguration("both a dense backend and a keyword index are required")
	}
	if opts.UpsertBatchSize <= 0 {
		opts.UpsertBatchSize = 128
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	return &Store{
		dense:   dense,
		keyword: keyword,
		opts:    opts,
		logger:  logger.OrDefault(opts.Logger, "store"),
		schemas: make(map[string]Collection),
	}, nil
}

// call 带重试执行一次后端操作，可重试错误耗尽后转换为 STORE_UNAVAILABLE
func (s *Store) call(ctx context.Context, backend, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := resilience.Retry(ctx, s.opts.Retry, fn)
	metrics.ObserveStore(backend, op, start, err)
	if err == nil {
		return nil
	}
	if apperrors.IsAppError(err) {
		return err
	}
	if apperrors.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("store operation failed", zap.String("backend", backend), zap.String("op", op), zap.Error(err))
		return apperrors.NewStoreUnavailable(op, err)
	}
	return fmt.Errorf("%s %s: %w", backend, op, err)
}

// EnsureCollection 幂等创建集合，模式不一致返回 COLLECTION_CONFLICT
func (s *Store) EnsureCollection(ctx context.Context, name string, dimension int, metric Metric) error {
	if _, err := ParseMetric(string(metric)); err != nil {
		return err
	}
	if dimension <= 0 {
		return apperrors.NewInvalidConfiguration("collection dimension must be positive, got %d", dimension)
	}
	want := Collection{Name: name, Dimension: dimension, Metric: metric}

	var existing Collection
	var found bool
	err := s.call(ctx, s.dense.Name(), "describe", func(ctx context.Context) error {
		var err error
		existing, found, err = s.dense.DescribeCollection(ctx, name)
		return err
	})
	if err != nil {
		return err
	}

	if found {
		if existing.Dimension != dimension {
			return apperrors.NewCollectionConflict(name,
				fmt.Sprintf("dimension %d, requested %d", existing.Dimension, dimension)).
				WithCause(apperrors.NewDimensionMismatch(existing.Dimension, dimension))
		}
		if existing.Metric != metric {
			return apperrors.NewCollectionConflict(name,
				fmt.Sprintf("metric %s, requested %s", existing.Metric, metric))
		}
	} else {
		if err := s.call(ctx, s.dense.Name(), "create", func(ctx context.Context) error {
			return s.dense.CreateCollection(ctx, want)
		}); err != nil {
			return err
		}
		s.logger.Info("collection created",
			zap.String("collection", name),
			zap.Int("dimension", dimension),
			zap.String("metric", string(metric)),
		)
	}

	if err := s.call(ctx, s.keyword.Name(), "ensure_index", func(ctx context.Context) error {
		return s.keyword.EnsureIndex(ctx, name)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.schemas[name] = want
	s.mu.Unlock()
	return nil
}

// Collection 返回集合模式，未缓存时向后端查询
func (s *Store) Collection(ctx context.Context, name string) (Collection, error) {
	s.mu.RLock()
	c, ok := s.schemas[name]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	var found bool
	err := s.call(ctx, s.dense.Name(), "describe", func(ctx context.Context) error {
		var err error
		c, found, err = s.dense.DescribeCollection(ctx, name)
		return err
	})
	if err != nil {
		return Collection{}, err
	}
	if !found {
		return Collection{}, errCollectionNotFound(name)
	}

	s.mu.Lock()
	s.schemas[name] = c
	s.mu.Unlock()
	return c, nil
}

func errCollectionNotFound(name string) error {
	return apperrors.NewNotFound("collection", name)
}

// Upsert 按记录ID幂等写入；维度不一致时整批拒绝，集合不变。
// 每批先写向量后端再写关键词索引，两者不在同一事务内：关键词写入失败时
// 该批新向量已可见而关键词文本仍是旧的，调用方重试同一批记录后两侧收敛
func (s *Store) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	schema, err := s.Collection(ctx, collection)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record for document %q chunk %d has no id", r.Payload.DocumentID, r.Payload.Index)
		}
		if len(r.Vector) != schema.Dimension {
			return apperrors.NewDimensionMismatch(schema.Dimension, len(r.Vector))
		}
	}

	for start := 0; start < len(records); start += s.opts.UpsertBatchSize {
		batch := records[start:min(start+s.opts.UpsertBatchSize, len(records))]
		if err := s.call(ctx, s.dense.Name(), "upsert", func(ctx context.Context) error {
			return s.dense.Upsert(ctx, schema, batch)
		}); err != nil {
			return err
		}

		chunks := make([]Chunk, len(batch))
		for i, r := range batch {
			chunks[i] = r.Payload
			chunks[i].ID = r.ID
		}
		if err := s.call(ctx, s.keyword.Name(), "index", func(ctx context.Context) error {
			return s.keyword.Index(ctx, collection, chunks)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Delete 删除记录，ID不存在时忽略
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.Collection(ctx, collection); err != nil {
		return err
	}
	if err := s.call(ctx, s.dense.Name(), "delete", func(ctx context.Context) error {
		return s.dense.Delete(ctx, collection, ids)
	}); err != nil {
		return err
	}
	return s.call(ctx, s.keyword.Name(), "delete", func(ctx context.Context) error {
		return s.keyword.Delete(ctx, collection, ids)
	})
}

// Count 集合中的记录数
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.Collection(ctx, collection); err != nil {
		return 0, err
	}
	var n int
	err := s.call(ctx, s.dense.Name(), "count", func(ctx context.Context) error {
		var err error
		n, err = s.dense.Count(ctx, collection)
		return err
	})
	return n, err
}

// QueryDense 向量检索 top-k
func (s *Store) QueryDense(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	schema, err := s.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != schema.Dimension {
		return nil, apperrors.NewDimensionMismatch(schema.Dimension, len(vector))
	}

	var results []Result
	err = s.call(ctx, s.dense.Name(), "query_dense", func(ctx context.Context) error {
		var err error
		results, err = s.dense.Search(ctx, schema, vector, k, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].DenseScore = results[i].Score
		results[i].HasDense = true
	}
	sortResults(results)
	return results, nil
}

// QueryKeyword 关键词检索 top-k
func (s *Store) QueryKeyword(ctx context.Context, collection string, text string, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	if _, err := s.Collection(ctx, collection); err != nil {
		return nil, err
	}

	var results []Result
	err := s.call(ctx, s.keyword.Name(), "query_keyword", func(ctx context.Context) error {
		var err error
		results, err = s.keyword.Search(ctx, collection, text, k, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].HasDense = false
		results[i].DenseScore = 0
	}
	sortResults(results)
	return results, nil
}

// QueryHybrid 并行执行向量与关键词检索，再做倒数排名融合
func (s *Store) QueryHybrid(ctx context.Context, collection string, text string, vector []float32, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	candidates := s.opts.HybridCandidates
	if candidates <= 0 {
		candidates = 2 * k
	}
	candidates = max(candidates, k)

	var dense, keyword []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dense, err = s.QueryDense(gctx, collection, vector, candidates, filter)
		return err
	})
	g.Go(func() error {
		var err error
		keyword, err = s.QueryKeyword(gctx, collection, text, candidates, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return FuseRRF(k, dense, keyword), nil
}

// Close 关闭持有连接的后端
func (s *Store) Close() error {
	var errs []error
	for _, b := range []any{s.dense, s.keyword} {
		if c, ok := b.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
