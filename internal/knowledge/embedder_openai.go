package knowledge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// 模型默认维度；DashScope 通义千问模型走兼容模式接口 (base_url .../compatible-mode/v1)
var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
	"text-embedding-v1":      1536,
	"text-embedding-v2":      1536,
	"text-embedding-v3":      1024,
	"text-embedding-v4":      1024,
}

// 支持指定输出维度的模型
var customDimensionModels = map[string]bool{
	"text-embedding-3-large": true,
	"text-embedding-3-small": true,
	"text-embedding-v3":      true,
	"text-embedding-v4":      true,
}

// OpenAIEmbedderConfig OpenAI兼容嵌入接口配置
type OpenAIEmbedderConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Dimensions   int
	MaxBatchSize int
}

// OpenAIEmbedder 使用OpenAI Embedding API
type OpenAIEmbedder struct {
	client            *openai.Client
	model             string
	dimensions        int
	batchSize         int
	requestDimensions bool
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, apperrors.NewInvalidConfiguration("embedding api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	dims := cfg.Dimensions
	if dims <= 0 {
		dims = embeddingDimensions[model]
	}
	batch := cfg.MaxBatchSize
	if batch <= 0 {
		batch = 64
	}

	return &OpenAIEmbedder{
		client:            openai.NewClientWithConfig(clientCfg),
		model:             model,
		dimensions:        dims,
		batchSize:         batch,
		requestDimensions: customDimensionModels[model] && cfg.Dimensions > 0,
	}, nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	}
	if e.requestDimensions {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.Transient(errors.New("embedding response size does not match request"))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		copy(vec, d.Embedding)
		out[i] = vec
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimensions() int   { return e.dimensions }
func (e *OpenAIEmbedder) MaxBatchSize() int { return e.batchSize }

// classifyOpenAIError 限流、服务端错误和网络错误可重试
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return apperrors.Transient(err)
		}
		return err
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retryableStatus(reqErr.HTTPStatusCode) {
			return apperrors.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(err)
	}
	return err
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
