package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// WebResult 联网搜索返回的片段
type WebResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// WebSearcher 联网搜索，查询到排序后的片段
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// TavilyOptions Tavily兼容搜索接口配置
type TavilyOptions struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	HTTPClient *http.Client
}

// TavilySearcher 通过 HTTP JSON 接口搜索
type TavilySearcher struct {
	client     *http.Client
	endpoint   string
	apiKey     string
	maxResults int
}

// NewTavilySearcher 创建联网搜索客户端
func NewTavilySearcher(opts TavilyOptions) (*TavilySearcher, error) {
	if opts.APIKey == "" {
		return nil, apperrors.NewInvalidConfiguration("websearch api key is required")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "https://api.tavily.com/search"
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TavilySearcher{
		client:     client,
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		maxResults: maxResults,
	}, nil
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []WebResult `json:"results"`
}

func (s *TavilySearcher) Search(ctx context.Context, query string) ([]WebResult, error) {
	body, err := json.Marshal(tavilyRequest{
		APIKey:      s.apiKey,
		Query:       query,
		MaxResults:  s.maxResults,
		SearchDepth: "basic",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalServiceError("websearch", apperrors.Transient(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			cause = apperrors.Transient(cause)
		}
		return nil, apperrors.NewExternalServiceError("websearch", cause)
	}

	var out tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.NewExternalServiceError("websearch", fmt.Errorf("decode response: %w", err))
	}

	results := out.Results[:0]
	for _, r := range out.Results {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		results = append(results, r)
	}
	if len(results) > s.maxResults {
		results = results[:s.maxResults]
	}
	return results, nil
}
