package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// ElasticsearchOptions ES连接配置
type ElasticsearchOptions struct {
	Addresses   []string
	Username    string
	Password    string
	APIKey      string
	IndexPrefix string
	Transport   http.RoundTripper
}

// ElasticsearchIndex 基于ES的全文索引
type ElasticsearchIndex struct {
	client      *elasticsearch.Client
	indexPrefix string
	indexCache  map[string]bool
	mu          sync.Mutex
}

type esChunkDoc struct {
	DocumentID  string            `json:"document_id"`
	ChunkIndex  int               `json:"chunk_index"`
	Content     string            `json:"content"`
	StartToken  int               `json:"start_token"`
	EndToken    int               `json:"end_token"`
	StartOffset int               `json:"start_offset"`
	EndOffset   int               `json:"end_offset"`
	Metadata    map[string]string `json:"metadata"`
}

// NewElasticsearchIndex 创建ES索引器
func NewElasticsearchIndex(opts ElasticsearchOptions) (*ElasticsearchIndex, error) {
	if len(opts.Addresses) == 0 {
		return nil, apperrors.NewInvalidConfiguration("elasticsearch addresses are required")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
		Transport: opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	prefix := opts.IndexPrefix
	if prefix == "" {
		prefix = "rag_chunks"
	}

	return &ElasticsearchIndex{
		client:      client,
		indexPrefix: prefix,
		indexCache:  make(map[string]bool),
	}, nil
}

func (e *ElasticsearchIndex) Name() string { return "elasticsearch" }

func (e *ElasticsearchIndex) indexName(collection string) string {
	return strings.ToLower(e.indexPrefix + "_" + collection)
}

// EnsureIndex 索引不存在时创建，metadata 使用 flattened 类型做精确过滤
func (e *ElasticsearchIndex) EnsureIndex(ctx context.Context, collection string) error {
	name := e.indexName(collection)

	e.mu.Lock()
	cached := e.indexCache[name]
	e.mu.Unlock()
	if cached {
		return nil
	}

	resp, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, e.client)
	if err != nil {
		return apperrors.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		mapping := map[string]any{
			"mappings": map[string]any{
				"properties": map[string]any{
					"document_id":  map[string]any{"type": "keyword"},
					"chunk_index":  map[string]any{"type": "integer"},
					"content":      map[string]any{"type": "text"},
					"start_token":  map[string]any{"type": "integer", "index": false},
					"end_token":    map[string]any{"type": "integer", "index": false},
					"start_offset": map[string]any{"type": "integer", "index": false},
					"end_offset":   map[string]any{"type": "integer", "index": false},
					"metadata":     map[string]any{"type": "flattened"},
				},
			},
		}
		body, _ := json.Marshal(mapping)
		createResp, err := esapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(body)}.Do(ctx, e.client)
		if err != nil {
			return apperrors.Transient(err)
		}
		defer createResp.Body.Close()
		// 并发创建时可能已存在
		if createResp.IsError() && !strings.Contains(createResp.String(), "resource_already_exists_exception") {
			return esError("create index", createResp)
		}
	} else if resp.IsError() {
		return esError("check index", resp)
	}

	e.mu.Lock()
	e.indexCache[name] = true
	e.mu.Unlock()
	return nil
}

// Index 批量写入，以记录ID作为文档ID覆盖
func (e *ElasticsearchIndex) Index(ctx context.Context, collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := e.EnsureIndex(ctx, collection); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		_ = enc.Encode(map[string]any{"index": map[string]any{"_id": c.ID}})
		if err := enc.Encode(esChunkDoc{
			DocumentID:  c.DocumentID,
			ChunkIndex:  c.Index,
			Content:     c.Text,
			StartToken:  c.StartToken,
			EndToken:    c.EndToken,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			Metadata:    c.Metadata,
		}); err != nil {
			return fmt.Errorf("encode chunk %s: %w", c.ID, err)
		}
	}
	return e.bulk(ctx, collection, &buf)
}

// Delete 按记录ID删除
func (e *ElasticsearchIndex) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.EnsureIndex(ctx, collection); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range ids {
		_ = enc.Encode(map[string]any{"delete": map[string]any{"_id": id}})
	}
	return e.bulk(ctx, collection, &buf)
}

func (e *ElasticsearchIndex) bulk(ctx context.Context, collection string, body *bytes.Buffer) error {
	resp, err := esapi.BulkRequest{
		Index:   e.indexName(collection),
		Body:    body,
		Refresh: "wait_for",
	}.Do(ctx, e.client)
	if err != nil {
		return apperrors.Transient(err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return esError("bulk", resp)
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !result.Errors {
		return nil
	}
	for _, item := range result.Items {
		for action, r := range item {
			// 删除不存在的文档不算失败
			if action == "delete" && r.Status == http.StatusNotFound {
				continue
			}
			if r.Error != nil {
				err := fmt.Errorf("bulk %s failed: %s: %s", action, r.Error.Type, r.Error.Reason)
				if retryableStatus(r.Status) {
					return apperrors.Transient(err)
				}
				return err
			}
		}
	}
	return nil
}

// Search 全文检索，过滤条件作用于 metadata 字段
func (e *ElasticsearchIndex) Search(ctx context.Context, collection string, query string, k int, filter Filter) ([]Result, error) {
	if err := e.EnsureIndex(ctx, collection); err != nil {
		return nil, err
	}

	filters := make([]any, 0, len(filter))
	for key, value := range filter {
		filters = append(filters, map[string]any{
			"term": map[string]any{"metadata." + key: value},
		})
	}
	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"match": map[string]any{"content": map[string]any{"query": query}}},
				},
				"filter": filters,
			},
		},
		// 同分按文档和序号排序，保证结果稳定
		"sort": []any{
			"_score",
			map[string]any{"document_id": "asc"},
			map[string]any{"chunk_index": "asc"},
		},
	}
	payload, _ := json.Marshal(body)

	resp, err := esapi.SearchRequest{
		Index: []string{e.indexName(collection)},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, e.client)
	if err != nil {
		return nil, apperrors.Transient(err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, esError("search", resp)
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string     `json:"_id"`
				Score  float64    `json:"_score"`
				Source esChunkDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	matches := make([]Result, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		src := hit.Source
		matches = append(matches, Result{
			Chunk: Chunk{
				ID:          hit.ID,
				DocumentID:  src.DocumentID,
				Index:       src.ChunkIndex,
				Text:        src.Content,
				StartToken:  src.StartToken,
				EndToken:    src.EndToken,
				StartOffset: src.StartOffset,
				EndOffset:   src.EndOffset,
				Metadata:    src.Metadata,
			},
			Score: hit.Score,
		})
	}
	return matches, nil
}

func esError(op string, resp *esapi.Response) error {
	err := fmt.Errorf("elasticsearch %s error: %s", op, truncateRunes(resp.String(), 300))
	if retryableStatus(resp.StatusCode) {
		return apperrors.Transient(err)
	}
	return err
}
