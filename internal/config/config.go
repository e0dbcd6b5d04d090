package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// EnvPrefix 环境变量前缀，例如 RAG_TOP_K
const EnvPrefix = "RAG"

// Config 应用配置，启动时构造一次后显式传入各组件
type Config struct {
	Env            string        `mapstructure:"env" validate:"oneof=development staging production"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`

	CollectionName      string  `mapstructure:"collection_name" validate:"required"`
	EmbeddingDimension  int     `mapstructure:"embedding_dimension" validate:"gt=0"`
	DistanceMetric      string  `mapstructure:"distance_metric" validate:"oneof=cosine dot euclidean"`
	ChunkSizeTokens     int     `mapstructure:"chunk_size_tokens" validate:"gt=0"`
	ChunkOverlapTokens  int     `mapstructure:"chunk_overlap_tokens" validate:"gte=0"`
	TopK                int     `mapstructure:"top_k" validate:"gt=0"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MemoryEnabled       bool    `mapstructure:"memory_enabled"`

	Log       LogConfig       `mapstructure:"log"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Store     StoreConfig     `mapstructure:"store"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Events    EventsConfig    `mapstructure:"events"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// EmbeddingConfig 嵌入模型配置
type EmbeddingConfig struct {
	Provider     string `mapstructure:"provider" validate:"oneof=openai hash"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	MaxBatchSize int    `mapstructure:"max_batch_size" validate:"gt=0"`
	MaxAttempts  int    `mapstructure:"max_attempts" validate:"gt=0"`
}

// StoreConfig 向量存储配置
type StoreConfig struct {
	DenseProvider   string              `mapstructure:"dense_provider" validate:"oneof=memory milvus qdrant"`
	KeywordProvider string              `mapstructure:"keyword_provider" validate:"oneof=memory elasticsearch"`
	UpsertBatchSize int                 `mapstructure:"upsert_batch_size" validate:"gt=0"`
	MaxAttempts     int                 `mapstructure:"max_attempts" validate:"gt=0"`
	Milvus          MilvusConfig        `mapstructure:"milvus"`
	Qdrant          QdrantConfig        `mapstructure:"qdrant"`
	Elasticsearch   ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type MilvusConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	TLS      bool   `mapstructure:"tls"`
}

type QdrantConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

type ElasticsearchConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	APIKey      string   `mapstructure:"api_key"`
	IndexPrefix string   `mapstructure:"index_prefix"`
}

// LedgerConfig 文档哈希台账配置
type LedgerConfig struct {
	Provider string               `mapstructure:"provider" validate:"oneof=bolt redis postgres"`
	Path     string               `mapstructure:"path"`
	Redis    RedisLedgerConfig    `mapstructure:"redis"`
	Postgres PostgresLedgerConfig `mapstructure:"postgres"`
}

type RedisLedgerConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type PostgresLedgerConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LLMConfig 大模型配置
type LLMConfig struct {
	Provider    string  `mapstructure:"provider" validate:"oneof=openai none"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	MaxContextChars  int `mapstructure:"max_context_chars" validate:"gt=0"`
	ExpansionCount   int `mapstructure:"expansion_count" validate:"gte=0"`
	HybridCandidates int `mapstructure:"hybrid_candidates" validate:"gte=0"`
	HistoryTurns     int `mapstructure:"history_turns" validate:"gte=0"`
}

// WebSearchConfig 联网搜索配置
type WebSearchConfig struct {
	Provider   string `mapstructure:"provider" validate:"oneof=tavily none"`
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results" validate:"gte=0"`
}

type IngestConfig struct {
	MaxParallel int `mapstructure:"max_parallel" validate:"gt=0"`
}

// EventsConfig Kafka入库事件配置
type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type SourcesConfig struct {
	Minio MinioConfig `mapstructure:"minio"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ConfigLoader 配置加载器
type ConfigLoader struct {
	viper     *viper.Viper
	validator *validator.Validate
}

// NewConfigLoader 创建配置加载器
func NewConfigLoader() *ConfigLoader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &ConfigLoader{
		viper:     v,
		validator: validator.New(),
	}
}

// Load 从默认值、.env、配置文件和环境变量加载配置
func (cl *ConfigLoader) Load(configFile string) (*Config, error) {
	cl.setDefaults()

	// .env 不存在不是错误
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if configFile != "" {
		cl.viper.SetConfigFile(configFile)
		if err := cl.viper.ReadInConfig(); err != nil {
			return nil, apperrors.NewInvalidConfiguration("read config file %s", configFile).WithCause(err)
		}
	} else {
		cl.viper.SetConfigName("config")
		cl.viper.SetConfigType("yaml")
		cl.viper.AddConfigPath(".")
		if err := cl.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, apperrors.NewInvalidConfiguration("read config file").WithCause(err)
			}
		}
	}

	var cfg Config
	if err := cl.viper.Unmarshal(&cfg); err != nil {
		return nil, apperrors.NewInvalidConfiguration("unmarshal config").WithCause(err)
	}

	if err := cl.Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验配置，失败时返回 INVALID_CONFIGURATION
func (cl *ConfigLoader) Validate(cfg *Config) error {
	if err := cl.validator.Struct(cfg); err != nil {
		return apperrors.NewInvalidConfiguration("configuration validation failed").WithCause(err)
	}
	if cfg.ChunkOverlapTokens >= cfg.ChunkSizeTokens {
		return apperrors.NewInvalidConfiguration(
			"chunk_overlap_tokens (%d) must be smaller than chunk_size_tokens (%d)",
			cfg.ChunkOverlapTokens, cfg.ChunkSizeTokens)
	}
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" && cfg.Embedding.BaseURL == "" {
		return apperrors.NewInvalidConfiguration("embedding.api_key is required for the openai provider")
	}
	if cfg.Store.DenseProvider == "milvus" && cfg.Store.Milvus.Address == "" {
		return apperrors.NewInvalidConfiguration("store.milvus.address is required")
	}
	if cfg.Store.DenseProvider == "qdrant" && cfg.Store.Qdrant.Endpoint == "" {
		return apperrors.NewInvalidConfiguration("store.qdrant.endpoint is required")
	}
	if cfg.Store.KeywordProvider == "elasticsearch" && len(cfg.Store.Elasticsearch.Addresses) == 0 {
		return apperrors.NewInvalidConfiguration("store.elasticsearch.addresses is required")
	}
	if cfg.Ledger.Provider == "postgres" && cfg.Ledger.Postgres.DSN == "" {
		return apperrors.NewInvalidConfiguration("ledger.postgres.dsn is required")
	}
	if cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		return apperrors.NewInvalidConfiguration("events.brokers is required when events are enabled")
	}
	return nil
}

// setDefaults 设置默认值
func (cl *ConfigLoader) setDefaults() {
	v := cl.viper

	v.SetDefault("env", "production")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("log.level", "info")

	// 核心检索参数
	v.SetDefault("collection_name", "documents")
	v.SetDefault("embedding_dimension", 1536)
	v.SetDefault("distance_metric", "cosine")
	v.SetDefault("chunk_size_tokens", 2000)
	v.SetDefault("chunk_overlap_tokens", 200)
	v.SetDefault("top_k", 5)
	v.SetDefault("similarity_threshold", 0.75)
	v.SetDefault("memory_enabled", false)

	// 嵌入模型
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.max_batch_size", 64)
	v.SetDefault("embedding.max_attempts", 3)

	// 向量存储
	v.SetDefault("store.dense_provider", "memory")
	v.SetDefault("store.keyword_provider", "memory")
	v.SetDefault("store.upsert_batch_size", 128)
	v.SetDefault("store.max_attempts", 3)
	v.SetDefault("store.milvus.address", "localhost:19530")
	v.SetDefault("store.milvus.username", "")
	v.SetDefault("store.milvus.password", "")
	v.SetDefault("store.milvus.database", "default")
	v.SetDefault("store.milvus.tls", false)
	v.SetDefault("store.qdrant.endpoint", "http://localhost:6333")
	v.SetDefault("store.qdrant.api_key", "")
	v.SetDefault("store.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("store.elasticsearch.username", "")
	v.SetDefault("store.elasticsearch.password", "")
	v.SetDefault("store.elasticsearch.api_key", "")
	v.SetDefault("store.elasticsearch.index_prefix", "rag_chunks")

	// 哈希台账
	v.SetDefault("ledger.provider", "bolt")
	v.SetDefault("ledger.path", "./data/ledger.db")
	v.SetDefault("ledger.redis.addr", "localhost:6379")
	v.SetDefault("ledger.redis.password", "")
	v.SetDefault("ledger.redis.db", 0)
	v.SetDefault("ledger.redis.key", "rag:ledger")
	v.SetDefault("ledger.postgres.dsn", "")

	// 大模型
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.temperature", 0.2)

	// 检索
	v.SetDefault("retrieval.max_context_chars", 12000)
	v.SetDefault("retrieval.expansion_count", 0)
	v.SetDefault("retrieval.hybrid_candidates", 0)
	v.SetDefault("retrieval.history_turns", 6)

	// 联网搜索
	v.SetDefault("websearch.provider", "none")
	v.SetDefault("websearch.endpoint", "https://api.tavily.com/search")
	v.SetDefault("websearch.api_key", "")
	v.SetDefault("websearch.max_results", 5)

	v.SetDefault("ingest.max_parallel", 4)

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.brokers", []string{"localhost:9092"})
	v.SetDefault("events.topic", "rag-ingestion-events")

	v.SetDefault("sources.minio.endpoint", "")
	v.SetDefault("sources.minio.access_key", "")
	v.SetDefault("sources.minio.secret_key", "")
	v.SetDefault("sources.minio.use_ssl", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// Load 使用新的加载器加载配置
func Load(configFile string) (*Config, error) {
	return NewConfigLoader().Load(configFile)
}
