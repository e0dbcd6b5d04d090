package di

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/rag-assistant/internal/config"
	"github.com/aihub/rag-assistant/internal/conversation"
	"github.com/aihub/rag-assistant/internal/events"
	"github.com/aihub/rag-assistant/internal/ingest"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/llm"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
	"github.com/aihub/rag-assistant/internal/resilience"
	"github.com/aihub/rag-assistant/internal/retrieval"
)

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container) error {
	providers := []interface{}{
		provideLogger,
		provideEmbeddingProvider,
		provideGateway,
		provideDenseBackend,
		provideKeywordIndex,
		provideStore,
		provideChunker,
		provideLedger,
		provideLoader,
		providePublisher,
		provideIngestPipeline,
		provideCompleter,
		provideWebSearcher,
		provideRetrievalPipeline,
		provideSession,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := logger.InitLogger(logger.Options{Env: cfg.Env, Level: cfg.Log.Level}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger.GetLogger(), nil
}

func retryPolicy(attempts int) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	return p
}

func provideEmbeddingProvider(cfg *config.Config) (knowledge.EmbeddingProvider, error) {
	switch cfg.Embedding.Provider {
	case "hash":
		return knowledge.NewHashEmbedder(cfg.EmbeddingDimension, cfg.Embedding.MaxBatchSize), nil
	default:
		return knowledge.NewOpenAIEmbedder(knowledge.OpenAIEmbedderConfig{
			APIKey:       cfg.Embedding.APIKey,
			BaseURL:      cfg.Embedding.BaseURL,
			Model:        cfg.Embedding.Model,
			Dimensions:   cfg.EmbeddingDimension,
			MaxBatchSize: cfg.Embedding.MaxBatchSize,
		})
	}
}

func provideGateway(cfg *config.Config, provider knowledge.EmbeddingProvider, l *zap.Logger) (*knowledge.Gateway, error) {
	return knowledge.NewGateway(provider, cfg.EmbeddingDimension,
		knowledge.WithRetryPolicy(retryPolicy(cfg.Embedding.MaxAttempts)),
		knowledge.WithGatewayLogger(l.Named("embedding")),
	)
}

func provideDenseBackend(cfg *config.Config, l *zap.Logger) (knowledge.DenseBackend, error) {
	switch cfg.Store.DenseProvider {
	case "milvus":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		return knowledge.NewMilvusBackend(ctx, knowledge.MilvusOptions{
			Address:  cfg.Store.Milvus.Address,
			Username: cfg.Store.Milvus.Username,
			Password: cfg.Store.Milvus.Password,
			Database: cfg.Store.Milvus.Database,
			UseTLS:   cfg.Store.Milvus.TLS,
			Timeout:  cfg.RequestTimeout,
			Logger:   l.Named("milvus"),
		})
	case "qdrant":
		return knowledge.NewQdrantBackend(knowledge.QdrantOptions{
			Endpoint: cfg.Store.Qdrant.Endpoint,
			APIKey:   cfg.Store.Qdrant.APIKey,
			Timeout:  cfg.RequestTimeout,
		}), nil
	default:
		return knowledge.NewMemoryBackend(), nil
	}
}

func provideKeywordIndex(cfg *config.Config) (knowledge.KeywordIndex, error) {
	if cfg.Store.KeywordProvider == "elasticsearch" {
		es := cfg.Store.Elasticsearch
		return knowledge.NewElasticsearchIndex(knowledge.ElasticsearchOptions{
			Addresses:   es.Addresses,
			Username:    es.Username,
			Password:    es.Password,
			APIKey:      es.APIKey,
			IndexPrefix: es.IndexPrefix,
		})
	}
	return knowledge.NewMemoryKeywordIndex(), nil
}

// provideStore 创建存储并确认集合模式，维度或度量冲突在启动时失败
func provideStore(cfg *config.Config, dense knowledge.DenseBackend, keyword knowledge.KeywordIndex, res *Resources, l *zap.Logger) (*knowledge.Store, error) {
	store, err := knowledge.NewStore(dense, keyword, knowledge.StoreOptions{
		UpsertBatchSize:  cfg.Store.UpsertBatchSize,
		HybridCandidates: cfg.Retrieval.HybridCandidates,
		Retry:            retryPolicy(cfg.Store.MaxAttempts),
		Logger:           l.Named("store"),
	})
	if err != nil {
		return nil, err
	}
	res.track(store)

	metric, err := knowledge.ParseMetric(cfg.DistanceMetric)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := store.EnsureCollection(ctx, cfg.CollectionName, cfg.EmbeddingDimension, metric); err != nil {
		return nil, err
	}
	return store, nil
}

func provideChunker(cfg *config.Config) (*knowledge.Chunker, error) {
	return knowledge.NewChunker(cfg.ChunkSizeTokens, cfg.ChunkOverlapTokens)
}

func provideLedger(cfg *config.Config, res *Resources) (ingest.Ledger, error) {
	var (
		ledger ingest.Ledger
		err    error
	)
	switch cfg.Ledger.Provider {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		ledger, err = ingest.NewRedisLedger(ctx, ingest.RedisLedgerOptions{
			Addr:     cfg.Ledger.Redis.Addr,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
			Key:      cfg.Ledger.Redis.Key,
		})
	case "postgres":
		ledger, err = ingest.NewPostgresLedger(cfg.Ledger.Postgres.DSN)
	default:
		ledger, err = ingest.NewBoltLedger(cfg.Ledger.Path)
	}
	if err != nil {
		return nil, err
	}
	res.track(ledger)
	return ledger, nil
}

func provideLoader(cfg *config.Config) (ingest.Loader, error) {
	m := cfg.Sources.Minio
	if m.Endpoint == "" {
		return ingest.NewMultiLoader(nil), nil
	}
	objects, err := ingest.NewMinioLoader(ingest.MinioOptions{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return ingest.NewMultiLoader(objects), nil
}

func providePublisher(cfg *config.Config, res *Resources, l *zap.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, l.Named("events"))
	if err != nil {
		return nil, err
	}
	res.track(p)
	return p, nil
}

func provideIngestPipeline(cfg *config.Config, loader ingest.Loader, chunker *knowledge.Chunker, gateway *knowledge.Gateway, store *knowledge.Store, ledger ingest.Ledger, pub events.Publisher, l *zap.Logger) (*ingest.Pipeline, error) {
	return ingest.NewPipeline(loader, chunker, gateway, store, ledger, ingest.Options{
		Collection:  cfg.CollectionName,
		MaxParallel: cfg.Ingest.MaxParallel,
		Timeout:     cfg.RequestTimeout,
		Publisher:   pub,
		Logger:      l.Named("ingest"),
	})
}

// provideCompleter llm.provider=none 时返回 nil，会话只输出检索上下文
func provideCompleter(cfg *config.Config) (llm.Completer, error) {
	if cfg.LLM.Provider == "none" {
		return nil, nil
	}
	return llm.NewOpenAICompleter(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	})
}

func provideWebSearcher(cfg *config.Config) (retrieval.WebSearcher, error) {
	if cfg.WebSearch.Provider != "tavily" {
		return nil, nil
	}
	return retrieval.NewTavilySearcher(retrieval.TavilyOptions{
		Endpoint:   cfg.WebSearch.Endpoint,
		APIKey:     cfg.WebSearch.APIKey,
		MaxResults: cfg.WebSearch.MaxResults,
	})
}

// newBreaker 熔断状态同步到指标
func newBreaker(name string, l *zap.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(name, resilience.BreakerOptions{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Logger:           l,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

func provideRetrievalPipeline(cfg *config.Config, gateway *knowledge.Gateway, store *knowledge.Store, web retrieval.WebSearcher, completer llm.Completer, l *zap.Logger) (*retrieval.Pipeline, error) {
	rl := l.Named("retrieval")
	return retrieval.NewPipeline(gateway, store, web, retrieval.NewExpander(completer, cfg.Retrieval.ExpansionCount), retrieval.Options{
		Collection:       cfg.CollectionName,
		WebBreaker:       newBreaker("websearch", rl),
		ExpansionBreaker: newBreaker("expansion", rl),
		Logger:           rl,
	})
}

func provideSession(cfg *config.Config, retriever *retrieval.Pipeline, ingester *ingest.Pipeline, completer llm.Completer, l *zap.Logger) *conversation.Session {
	return conversation.NewSession(retriever, ingester, completer, conversation.Options{
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxContextChars:     cfg.Retrieval.MaxContextChars,
		MemoryEnabled:       cfg.MemoryEnabled,
		HistoryTurns:        cfg.Retrieval.HistoryTurns,
		Logger:              l.Named("conversation"),
	})
}
