package retrieval

import (
	"cmp"
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
	"github.com/aihub/rag-assistant/internal/resilience"
)

// Result 检索结果。本地片段按分数降序；联网补充时网页片段整体排在本地片段之前，
// 此时 Chunks 不再整体按分数有序
type Result struct {
	Chunks          []knowledge.Result
	UsedWebFallback bool
	// NoInformation 本地与联网都没有可用内容
	NoInformation bool
}

// Options 检索流水线配置
type Options struct {
	Collection string
	// WebBreaker 和 ExpansionBreaker 可为空
	WebBreaker       *resilience.CircuitBreaker
	ExpansionBreaker *resilience.CircuitBreaker
	Logger           *zap.Logger
}

// Pipeline 混合检索，本地不足时联网补充
type Pipeline struct {
	gateway  *knowledge.Gateway
	store    *knowledge.Store
	web      WebSearcher
	expander *Expander
	opts     Options
	logger   *zap.Logger
}

// NewPipeline web 和 expander 可为空
func NewPipeline(gateway *knowledge.Gateway, store *knowledge.Store, web WebSearcher, expander *Expander, opts Options) (*Pipeline, error) {
	if gateway == nil || store == nil {
		return nil, apperrors.NewInvalidConfiguration("retrieval pipeline requires gateway and store")
	}
	if opts.Collection == "" {
		return nil, apperrors.NewInvalidConfiguration("retrieval pipeline requires a collection name")
	}
	return &Pipeline{
		gateway:  gateway,
		store:    store,
		web:      web,
		expander: expander,
		opts:     opts,
		logger:   logger.OrDefault(opts.Logger, "retrieval"),
	}, nil
}

// Retrieve 检索 topK 个片段；最高稠密相似度低于 threshold 或无结果时联网补充。
// 联网和查询扩展失败只降级；嵌入服务或存储失败时仅用联网结果，
// 维度、集合模式和配置错误直接返回。
func (p *Pipeline) Retrieve(ctx context.Context, query string, topK int, threshold float64) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, apperrors.NewInvalidConfiguration("query must not be empty")
	}
	if topK <= 0 {
		return Result{}, apperrors.NewInvalidConfiguration("top_k must be positive, got %d", topK)
	}

	queries := append([]string{query}, p.expand(ctx, query)...)

	local, localErr := p.searchLocal(ctx, queries, topK)
	if localErr != nil {
		if fatalLocalError(ctx, localErr) {
			return Result{}, localErr
		}
		p.logger.Warn("本地检索不可用，仅使用联网搜索", zap.Error(localErr))
	}

	best, hasDense := knowledge.BestDenseScore(local)
	if localErr == nil && len(local) > 0 && hasDense && best >= threshold {
		metrics.Retrievals.WithLabelValues("local").Inc()
		return Result{Chunks: local}, nil
	}

	webChunks := p.searchWeb(ctx, query)
	if len(webChunks) > 0 {
		metrics.WebFallbacks.Inc()
		metrics.Retrievals.WithLabelValues("web").Inc()
		return Result{Chunks: append(webChunks, local...), UsedWebFallback: true}, nil
	}
	if len(local) > 0 {
		metrics.Retrievals.WithLabelValues("local").Inc()
		return Result{Chunks: local}, nil
	}

	metrics.Retrievals.WithLabelValues("no_information").Inc()
	return Result{NoInformation: true}, nil
}

func (p *Pipeline) expand(ctx context.Context, query string) []string {
	if !p.expander.Enabled() {
		return nil
	}
	var paraphrases []string
	err := p.guard(ctx, p.opts.ExpansionBreaker, func(ctx context.Context) error {
		var err error
		paraphrases, err = p.expander.Expand(ctx, query)
		return err
	})
	if err != nil {
		p.logger.Warn("查询扩展失败，使用原查询", zap.Error(err))
		return nil
	}
	return paraphrases
}

// searchLocal 对每个查询做混合检索，按记录ID合并并保留最高分
func (p *Pipeline) searchLocal(ctx context.Context, queries []string, topK int) ([]knowledge.Result, error) {
	merged := make(map[string]knowledge.Result)
	var firstErr error
	succeeded := 0
	for _, q := range queries {
		results, err := p.searchOne(ctx, q, topK)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if fatalLocalError(ctx, err) {
				return nil, err
			}
			continue
		}
		succeeded++
		if len(queries) == 1 {
			return results, nil
		}
		for _, r := range results {
			prev, ok := merged[r.Chunk.ID]
			if !ok {
				merged[r.Chunk.ID] = r
				continue
			}
			if r.Score > prev.Score {
				prev.Score = r.Score
			}
			if r.HasDense && (!prev.HasDense || r.DenseScore > prev.DenseScore) {
				prev.DenseScore, prev.HasDense = r.DenseScore, true
			}
			merged[r.Chunk.ID] = prev
		}
	}
	if succeeded == 0 {
		return nil, firstErr
	}

	out := make([]knowledge.Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b knowledge.Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Chunk.ID, b.Chunk.ID)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// fatalLocalError 模式和配置错误以及调用方取消直接返回，
// 嵌入服务或存储的其他失败（包括不可重试的）都降级为本地无结果
func fatalLocalError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return stderrors.Is(err, apperrors.ErrDimensionMismatch) ||
		stderrors.Is(err, apperrors.ErrCollectionConflict) ||
		stderrors.Is(err, apperrors.ErrInvalidConfiguration)
}

func (p *Pipeline) searchOne(ctx context.Context, query string, topK int) ([]knowledge.Result, error) {
	vector, err := p.gateway.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := p.store.QueryHybrid(ctx, p.opts.Collection, query, vector, topK, nil)
	if stderrors.Is(err, apperrors.ErrNotFound) {
		// 集合尚未创建等同于没有本地知识
		return nil, nil
	}
	return results, err
}

// searchWeb 失败时返回空，网页片段不入库
func (p *Pipeline) searchWeb(ctx context.Context, query string) []knowledge.Result {
	if p.web == nil {
		return nil
	}
	var found []WebResult
	err := p.guard(ctx, p.opts.WebBreaker, func(ctx context.Context) error {
		var err error
		found, err = p.web.Search(ctx, query)
		return err
	})
	if err != nil {
		p.logger.Warn("联网搜索失败，仅使用本地结果", zap.Error(err))
		return nil
	}
	return WebChunks(found)
}

func (p *Pipeline) guard(ctx context.Context, breaker *resilience.CircuitBreaker, fn func(ctx context.Context) error) error {
	if breaker == nil {
		return fn(ctx)
	}
	return breaker.Call(ctx, fn)
}

// WebChunks 将网页片段转换为临时片段
func WebChunks(results []WebResult) []knowledge.Result {
	out := make([]knowledge.Result, 0, len(results))
	for i, r := range results {
		text := strings.TrimSpace(r.Content)
		if r.Title != "" {
			text = fmt.Sprintf("%s\n%s", strings.TrimSpace(r.Title), text)
		}
		out = append(out, knowledge.Result{
			Chunk: knowledge.Chunk{
				ID:         knowledge.RecordID(r.URL, i),
				DocumentID: r.URL,
				Index:      i,
				Text:       text,
				Metadata: map[string]string{
					knowledge.MetaSource: "web",
					knowledge.MetaWebURL: r.URL,
					"title":              r.Title,
				},
			},
			Score: r.Score,
		})
	}
	return out
}
