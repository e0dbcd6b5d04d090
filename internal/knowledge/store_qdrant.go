package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// QdrantBackend 基于 Qdrant REST API 的向量后端
type QdrantBackend struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

type qdrantPayload struct {
	DocumentID  string            `json:"document_id"`
	ChunkIndex  int               `json:"chunk_index"`
	Content     string            `json:"content"`
	StartToken  int               `json:"start_token"`
	EndToken    int               `json:"end_token"`
	StartOffset int               `json:"start_offset"`
	EndOffset   int               `json:"end_offset"`
	Metadata    map[string]string `json:"metadata"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

// NewQdrantBackend 创建Qdrant向量存储
func NewQdrantBackend(opts QdrantOptions) *QdrantBackend {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:6333"
	}
	if !strings.HasPrefix(endpoint, "http") {
		endpoint = "http://" + endpoint
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &QdrantBackend{
		client:   httpClient,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   opts.APIKey,
	}
}

func (s *QdrantBackend) Name() string { return "qdrant" }

func qdrantDistance(m Metric) string {
	switch m {
	case MetricDot:
		return "Dot"
	case MetricEuclidean:
		return "Euclid"
	default:
		return "Cosine"
	}
}

func metricFromQdrant(value string) Metric {
	switch strings.ToLower(value) {
	case "dot":
		return MetricDot
	case "euclid":
		return MetricEuclidean
	default:
		return MetricCosine
	}
}

func (s *QdrantBackend) collectionPath(name string, suffix string) string {
	return "/collections/" + url.PathEscape(name) + suffix
}

func (s *QdrantBackend) DescribeCollection(ctx context.Context, name string) (Collection, bool, error) {
	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	code, err := s.doJSON(ctx, http.MethodGet, s.collectionPath(name, ""), nil, &resp)
	if code == http.StatusNotFound {
		return Collection{}, false, nil
	}
	if err != nil {
		return Collection{}, false, err
	}
	vectors := resp.Result.Config.Params.Vectors
	return Collection{
		Name:      name,
		Dimension: vectors.Size,
		Metric:    metricFromQdrant(vectors.Distance),
	}, true, nil
}

func (s *QdrantBackend) CreateCollection(ctx context.Context, c Collection) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     c.Dimension,
			"distance": qdrantDistance(c.Metric),
		},
	}
	if _, err := s.doJSON(ctx, http.MethodPut, s.collectionPath(c.Name, ""), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", c.Name, err)
	}
	return nil
}

func (s *QdrantBackend) Upsert(ctx context.Context, c Collection, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]qdrantPoint, len(records))
	for i, r := range records {
		points[i] = qdrantPoint{
			ID:     r.ID,
			Vector: r.Vector,
			Payload: qdrantPayload{
				DocumentID:  r.Payload.DocumentID,
				ChunkIndex:  r.Payload.Index,
				Content:     r.Payload.Text,
				StartToken:  r.Payload.StartToken,
				EndToken:    r.Payload.EndToken,
				StartOffset: r.Payload.StartOffset,
				EndOffset:   r.Payload.EndOffset,
				Metadata:    r.Payload.Metadata,
			},
		}
	}
	// wait=true 使写入在返回前可见
	_, err := s.doJSON(ctx, http.MethodPut, s.collectionPath(c.Name, "/points?wait=true"),
		map[string]any{"points": points}, nil)
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func (s *QdrantBackend) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.doJSON(ctx, http.MethodPost, s.collectionPath(collection, "/points/delete?wait=true"),
		map[string]any{"points": ids}, nil)
	if err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

func (s *QdrantBackend) Count(ctx context.Context, collection string) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := s.doJSON(ctx, http.MethodPost, s.collectionPath(collection, "/points/count"),
		map[string]any{"exact": true}, &resp); err != nil {
		return 0, fmt.Errorf("qdrant count failed: %w", err)
	}
	return resp.Result.Count, nil
}

func (s *QdrantBackend) Search(ctx context.Context, c Collection, vector []float32, k int, filter Filter) ([]Result, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if len(filter) > 0 {
		must := make([]map[string]any, 0, len(filter))
		for key, value := range filter {
			must = append(must, map[string]any{
				"key":   "metadata." + key,
				"match": map[string]any{"value": value},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	var resp struct {
		Result []struct {
			ID      string        `json:"id"`
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.doJSON(ctx, http.MethodPost, s.collectionPath(c.Name, "/points/search"), body, &resp); err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]Result, 0, len(resp.Result))
	for _, item := range resp.Result {
		p := item.Payload
		score := item.Score
		// Euclid 返回距离
		if c.Metric == MetricEuclidean {
			score = DistanceToScore(score)
		}
		results = append(results, Result{
			Chunk: Chunk{
				ID:          item.ID,
				DocumentID:  p.DocumentID,
				Index:       p.ChunkIndex,
				Text:        p.Content,
				StartToken:  p.StartToken,
				EndToken:    p.EndToken,
				StartOffset: p.StartOffset,
				EndOffset:   p.EndOffset,
				Metadata:    p.Metadata,
			},
			Score:      score,
			DenseScore: score,
			HasDense:   true,
		})
	}
	return results, nil
}

// doJSON 发送JSON请求，网络错误和 5xx/429 标记为可重试
func (s *QdrantBackend) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, apperrors.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		httpErr := fmt.Errorf("%s %s: %s", method, path, truncateRunes(strings.TrimSpace(resp.Status+" "+string(raw)), 300))
		if retryableStatus(resp.StatusCode) {
			return resp.StatusCode, apperrors.Transient(httpErr)
		}
		return resp.StatusCode, httpErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode qdrant response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
