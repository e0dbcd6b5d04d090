package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/events"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
)

// Report 一次入库调用的汇总
type Report struct {
	DocumentsProcessed        int
	ChunksWritten             int
	DocumentsSkippedUnchanged int
	StaleChunksDeleted        int
	Errors                    []error
}

// Failed 是否有文档失败
func (r Report) Failed() bool {
	return len(r.Errors) > 0
}

// Outcome 单个文档的入库结果
type Outcome struct {
	DocumentID   string
	Skipped      bool
	Chunks       int
	StaleDeleted int
}

// Options 入库流水线配置
type Options struct {
	Collection  string
	MaxParallel int
	// Timeout 单个文档的处理时限，0 表示不限制
	Timeout     time.Duration
	Publisher   events.Publisher
	Logger      *zap.Logger
	Now         func() time.Time
}

// Pipeline 文档入库流水线
type Pipeline struct {
	loader  Loader
	chunker *knowledge.Chunker
	gateway *knowledge.Gateway
	store   *knowledge.Store
	ledger  Ledger
	opts    Options
	locks   *keyedLock
	logger  *zap.Logger
}

// NewPipeline 创建入库流水线
func NewPipeline(loader Loader, chunker *knowledge.Chunker, gateway *knowledge.Gateway, store *knowledge.Store, ledger Ledger, opts Options) (*Pipeline, error) {
	if loader == nil || chunker == nil || gateway == nil || store == nil || ledger == nil {
		return nil, apperrors.NewInvalidConfiguration("ingestion pipeline requires loader, chunker, gateway, store and ledger")
	}
	if opts.Collection == "" {
		return nil, apperrors.NewInvalidConfiguration("ingestion pipeline requires a collection name")
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		loader:  loader,
		chunker: chunker,
		gateway: gateway,
		store:   store,
		ledger:  ledger,
		opts:    opts,
		locks:   newKeyedLock(),
		logger:  logger.OrDefault(opts.Logger, "ingest"),
	}, nil
}

// Ingest 入库一组源路径；单个文档失败记入报告，不中断其余文档。
// 只有模式错误（维度不一致、集合冲突）和上下文取消会作为 error 返回。
func (p *Pipeline) Ingest(ctx context.Context, sources []string) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)
	fail := func(id string, err error) {
		mu.Lock()
		report.Errors = append(report.Errors, apperrors.NewIngestionFailed(id, err))
		mu.Unlock()
		metrics.DocumentsIngested.WithLabelValues("failed").Inc()
	}

	var ids []string
	seen := make(map[string]struct{})
	for _, source := range sources {
		resolved, err := p.loader.Resolve(ctx, source)
		if err != nil {
			fail(source, err)
			continue
		}
		for _, id := range resolved {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxParallel)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dctx := gctx
			if p.opts.Timeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(gctx, p.opts.Timeout)
				defer cancel()
			}

			doc, err := p.loader.Load(dctx, id)
			if err != nil {
				fail(id, err)
				return nil
			}
			out, err := p.IngestDocument(dctx, doc)
			if err != nil {
				fail(id, err)
				if fatalSchemaError(err) {
					return err
				}
				return nil
			}

			mu.Lock()
			if out.Skipped {
				report.DocumentsSkippedUnchanged++
			} else {
				report.DocumentsProcessed++
				report.ChunksWritten += out.Chunks
				report.StaleChunksDeleted += out.StaleDeleted
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	p.logger.Info("入库完成",
		zap.Int("processed", report.DocumentsProcessed),
		zap.Int("skipped", report.DocumentsSkippedUnchanged),
		zap.Int("chunks", report.ChunksWritten),
		zap.Int("stale_deleted", report.StaleChunksDeleted),
		zap.Int("errors", len(report.Errors)),
	)
	return report, err
}

// IngestDocument 入库单个已加载文档；同一文档标识的并发调用按提交顺序串行
func (p *Pipeline) IngestDocument(ctx context.Context, doc knowledge.Document) (Outcome, error) {
	unlock := p.locks.Lock(doc.ID)
	defer unlock()

	out := Outcome{DocumentID: doc.ID}
	size, overlap := p.chunker.Size(), p.chunker.Overlap()

	prev, found, err := p.ledger.Get(ctx, doc.ID)
	if err != nil {
		return out, fmt.Errorf("read ledger: %w", err)
	}
	if found && prev.Unchanged(doc.Hash, size, overlap) {
		out.Skipped = true
		metrics.DocumentsIngested.WithLabelValues("skipped").Inc()
		p.logger.Debug("文档未变化，跳过", zap.String("document_id", doc.ID))
		return out, nil
	}

	// 集合维度不符时在触碰台账和存储之前失败
	schema, err := p.store.Collection(ctx, p.opts.Collection)
	if err != nil {
		return out, err
	}
	if schema.Dimension != p.gateway.Dimension() {
		return out, apperrors.NewDimensionMismatch(schema.Dimension, p.gateway.Dimension())
	}

	chunks := p.chunker.Split(doc)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.gateway.Embed(ctx, texts)
	if err != nil {
		return out, err
	}
	records := make([]knowledge.Record, len(chunks))
	for i, c := range chunks {
		records[i] = knowledge.Record{ID: c.ID, Vector: vectors[i], Payload: c}
	}

	// 写入前先把台账标记为未完成：清空哈希并记录最高分块数，
	// 中途失败后任何内容（包括回退到旧版本）都会重新入库并清理尾部记录
	highWater, err := p.markInProgress(ctx, doc.ID, len(chunks), size, overlap)
	if err != nil {
		return out, fmt.Errorf("update ledger: %w", err)
	}

	if err := p.store.Upsert(ctx, p.opts.Collection, records); err != nil {
		return out, err
	}
	out.Chunks = len(records)

	// 删除旧版本或失败写入遗留的尾部记录
	if highWater > len(chunks) {
		stale := make([]string, 0, highWater-len(chunks))
		for i := len(chunks); i < highWater; i++ {
			stale = append(stale, knowledge.RecordID(doc.ID, i))
		}
		if err := p.store.Delete(ctx, p.opts.Collection, stale); err != nil {
			return out, fmt.Errorf("delete stale chunks: %w", err)
		}
		out.StaleDeleted = len(stale)
	}

	// 所有写入确认后才记录台账
	now := p.opts.Now()
	err = p.ledger.Update(ctx, doc.ID, func(Entry, bool) (Entry, error) {
		return Entry{
			SourceID:     doc.ID,
			Hash:         doc.Hash,
			ChunkSize:    size,
			ChunkOverlap: overlap,
			ChunkCount:   len(chunks),
			IngestedAt:   now,
		}, nil
	})
	if err != nil {
		return out, fmt.Errorf("update ledger: %w", err)
	}

	metrics.DocumentsIngested.WithLabelValues("processed").Inc()
	metrics.ChunksWritten.Add(float64(out.Chunks))
	metrics.StaleChunksDeleted.Add(float64(out.StaleDeleted))

	event := events.IngestionEvent{
		DocumentID:    doc.ID,
		ContentHash:   doc.Hash,
		Collection:    p.opts.Collection,
		ChunksWritten: out.Chunks,
		StaleDeleted:  out.StaleDeleted,
		ChunkSize:     size,
		ChunkOverlap:  overlap,
		Timestamp:     now,
	}
	if err := p.opts.Publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("发布入库事件失败", zap.String("document_id", doc.ID), zap.Error(err))
	}

	p.logger.Info("文档入库成功",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", out.Chunks),
		zap.Int("stale_deleted", out.StaleDeleted),
	)
	return out, nil
}

// markInProgress 记录未完成的入库，返回可能存在于存储中的最高分块数
func (p *Pipeline) markInProgress(ctx context.Context, sourceID string, chunks, size, overlap int) (int, error) {
	highWater := chunks
	err := p.ledger.Update(ctx, sourceID, func(prev Entry, found bool) (Entry, error) {
		highWater = chunks
		entry := Entry{
			SourceID:     sourceID,
			ChunkSize:    size,
			ChunkOverlap: overlap,
			ChunkCount:   chunks,
		}
		if found {
			highWater = max(chunks, prev.ChunkCount)
			entry.ChunkCount = highWater
			entry.IngestedAt = prev.IngestedAt
		}
		return entry, nil
	})
	return highWater, err
}

// Status 台账中已记录的文档
func (p *Pipeline) Status(ctx context.Context) ([]Entry, error) {
	return p.ledger.List(ctx)
}

func fatalSchemaError(err error) bool {
	return stderrors.Is(err, apperrors.ErrDimensionMismatch) || stderrors.Is(err, apperrors.ErrCollectionConflict)
}
