package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
	"github.com/aihub/rag-assistant/internal/logger"
)

const (
	milvusFieldID       = "id"
	milvusFieldDocument = "document_id"
	milvusFieldIndex    = "chunk_index"
	milvusFieldContent  = "content"
	milvusFieldPayload  = "payload"
	milvusFieldVector   = "vector"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address  string
	Username string
	Password string
	Database string
	UseTLS   bool
	Timeout  time.Duration
	Logger   *zap.Logger
}

// MilvusBackend 基于 Milvus 的向量后端
type MilvusBackend struct {
	milvusClient client.Client
	logger       *zap.Logger
}

// milvusPayload 存入JSON字段的载荷
type milvusPayload struct {
	StartToken  int               `json:"start_token"`
	EndToken    int               `json:"end_token"`
	StartOffset int               `json:"start_offset"`
	EndOffset   int               `json:"end_offset"`
	Metadata    map[string]string `json:"metadata"`
}

// NewMilvusBackend 创建Milvus向量存储
func NewMilvusBackend(ctx context.Context, opts MilvusOptions) (*MilvusBackend, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	milvusClient, err := client.NewClient(dialCtx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("connect", fmt.Errorf("failed to create milvus client: %w", err))
	}

	return NewMilvusBackendWithClient(milvusClient, opts.Logger), nil
}

// NewMilvusBackendWithClient 使用已有客户端
func NewMilvusBackendWithClient(c client.Client, l *zap.Logger) *MilvusBackend {
	return &MilvusBackend{milvusClient: c, logger: logger.OrDefault(l, "milvus")}
}

func (s *MilvusBackend) Name() string { return "milvus" }

func milvusMetric(m Metric) entity.MetricType {
	switch m {
	case MetricDot:
		return entity.IP
	case MetricEuclidean:
		return entity.L2
	default:
		return entity.COSINE
	}
}

func metricFromMilvus(value string) Metric {
	switch strings.ToUpper(value) {
	case "IP":
		return MetricDot
	case "L2":
		return MetricEuclidean
	default:
		return MetricCosine
	}
}

// DescribeCollection 读取已存在集合的维度和度量
func (s *MilvusBackend) DescribeCollection(ctx context.Context, name string) (Collection, bool, error) {
	has, err := s.milvusClient.HasCollection(ctx, name)
	if err != nil {
		return Collection{}, false, classifyMilvusError(err)
	}
	if !has {
		return Collection{}, false, nil
	}

	coll, err := s.milvusClient.DescribeCollection(ctx, name)
	if err != nil {
		return Collection{}, false, classifyMilvusError(err)
	}

	indexes, err := s.milvusClient.DescribeIndex(ctx, name, milvusFieldVector)
	if err != nil {
		return Collection{}, false, classifyMilvusError(err)
	}

	c, err := milvusCollectionSchema(name, coll.Schema.Fields, indexes)
	if err != nil {
		return Collection{}, false, err
	}
	return c, true, nil
}

// milvusCollectionSchema 从字段和索引还原维度与度量；缺失或无法解析时返回冲突错误
func milvusCollectionSchema(name string, fields []*entity.Field, indexes []entity.Index) (Collection, error) {
	var vectorField *entity.Field
	for _, field := range fields {
		if field.Name == milvusFieldVector {
			vectorField = field
		}
	}
	if vectorField == nil {
		return Collection{}, apperrors.NewCollectionConflict(name, "vector field "+milvusFieldVector+" is missing")
	}
	raw := vectorField.TypeParams[entity.TypeParamDim]
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return Collection{}, apperrors.NewCollectionConflict(name, fmt.Sprintf("invalid vector dimension %q", raw))
	}

	if len(indexes) == 0 {
		return Collection{}, apperrors.NewCollectionConflict(name, "vector index is missing, metric unknown")
	}
	rawMetric := indexes[0].Params()["metric_type"]
	switch strings.ToUpper(rawMetric) {
	case "IP", "L2", "COSINE":
	default:
		return Collection{}, apperrors.NewCollectionConflict(name, fmt.Sprintf("unsupported metric %q", rawMetric))
	}

	return Collection{Name: name, Dimension: dim, Metric: metricFromMilvus(rawMetric)}, nil
}

// CreateCollection 创建集合、索引并加载
func (s *MilvusBackend) CreateCollection(ctx context.Context, c Collection) error {
	schema := &entity.Schema{
		CollectionName: c.Name,
		Description:    "RAG document chunks",
		Fields: []*entity.Field{
			{
				Name:       milvusFieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "64"},
			},
			{
				Name:       milvusFieldDocument,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "2048"},
			},
			{
				Name:     milvusFieldIndex,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       milvusFieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: "65535"},
			},
			{
				Name:     milvusFieldPayload,
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:       milvusFieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{entity.TypeParamDim: strconv.Itoa(c.Dimension)},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return classifyMilvusError(fmt.Errorf("failed to create collection: %w", err))
	}

	// 创建索引，HNSW 失败时回退到 IVF_FLAT
	var index entity.Index
	index, err := entity.NewIndexHNSW(milvusMetric(c.Metric), 8, 64)
	if err != nil {
		index, err = entity.NewIndexIvfFlat(milvusMetric(c.Metric), 128)
		if err != nil {
			return fmt.Errorf("failed to build index: %w", err)
		}
	}
	if err := s.milvusClient.CreateIndex(ctx, c.Name, milvusFieldVector, index, false); err != nil {
		return classifyMilvusError(fmt.Errorf("failed to create index: %w", err))
	}

	if err := s.milvusClient.LoadCollection(ctx, c.Name, false); err != nil {
		return classifyMilvusError(fmt.Errorf("failed to load collection: %w", err))
	}

	s.logger.Info("milvus collection created",
		zap.String("collection", c.Name),
		zap.Int("dimension", c.Dimension),
		zap.String("metric", string(c.Metric)),
	)
	return nil
}

// Upsert 按主键覆盖写入
func (s *MilvusBackend) Upsert(ctx context.Context, c Collection, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	docs := make([]string, len(records))
	indexes := make([]int64, len(records))
	contents := make([]string, len(records))
	payloads := make([][]byte, len(records))
	vectors := make([][]float32, len(records))

	for i, r := range records {
		payload, err := json.Marshal(milvusPayload{
			StartToken:  r.Payload.StartToken,
			EndToken:    r.Payload.EndToken,
			StartOffset: r.Payload.StartOffset,
			EndOffset:   r.Payload.EndOffset,
			Metadata:    r.Payload.Metadata,
		})
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		ids[i] = r.ID
		docs[i] = r.Payload.DocumentID
		indexes[i] = int64(r.Payload.Index)
		contents[i] = r.Payload.Text
		payloads[i] = payload
		vectors[i] = r.Vector
	}

	_, err := s.milvusClient.Upsert(ctx, c.Name, "",
		entity.NewColumnVarChar(milvusFieldID, ids),
		entity.NewColumnVarChar(milvusFieldDocument, docs),
		entity.NewColumnInt64(milvusFieldIndex, indexes),
		entity.NewColumnVarChar(milvusFieldContent, contents),
		entity.NewColumnJSONBytes(milvusFieldPayload, payloads),
		entity.NewColumnFloatVector(milvusFieldVector, c.Dimension, vectors),
	)
	if err != nil {
		return classifyMilvusError(fmt.Errorf("milvus upsert failed: %w", err))
	}
	return nil
}

// Delete 按主键删除
func (s *MilvusBackend) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.milvusClient.DeleteByPks(ctx, collection, "", entity.NewColumnVarChar(milvusFieldID, ids)); err != nil {
		return classifyMilvusError(fmt.Errorf("milvus delete failed: %w", err))
	}
	return nil
}

// Count 集合中的记录数
func (s *MilvusBackend) Count(ctx context.Context, collection string) (int, error) {
	rs, err := s.milvusClient.Query(ctx, collection, nil, "", []string{"count(*)"},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, classifyMilvusError(fmt.Errorf("milvus count failed: %w", err))
	}
	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	n, err := col.GetAsInt64(0)
	if err != nil {
		return 0, fmt.Errorf("read milvus count: %w", err)
	}
	return int(n), nil
}

// Search 向量检索，先按元数据过滤再排序
func (s *MilvusBackend) Search(ctx context.Context, c Collection, vector []float32, k int, filter Filter) ([]Result, error) {
	sp, _ := entity.NewIndexHNSWSearchParam(max(64, k))
	searchResults, err := s.milvusClient.Search(
		ctx,
		c.Name,
		nil,
		milvusFilterExpr(filter),
		[]string{milvusFieldDocument, milvusFieldIndex, milvusFieldContent, milvusFieldPayload},
		[]entity.Vector{entity.FloatVector(vector)},
		milvusFieldVector,
		milvusMetric(c.Metric),
		k,
		sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, classifyMilvusError(fmt.Errorf("milvus search failed: %w", err))
	}
	if len(searchResults) == 0 {
		return nil, nil
	}

	// 只有一个查询向量，取第一个结果
	result := searchResults[0]
	if result.Err != nil {
		return nil, classifyMilvusError(fmt.Errorf("milvus search error: %w", result.Err))
	}

	var ids, docs, contents []string
	var indexes []int64
	var payloads [][]byte
	if idCol, ok := result.IDs.(*entity.ColumnVarChar); ok {
		ids = idCol.Data()
	}
	for _, field := range result.Fields {
		switch col := field.(type) {
		case *entity.ColumnVarChar:
			switch col.Name() {
			case milvusFieldDocument:
				docs = col.Data()
			case milvusFieldContent:
				contents = col.Data()
			}
		case *entity.ColumnInt64:
			indexes = col.Data()
		case *entity.ColumnJSONBytes:
			payloads = col.Data()
		}
	}

	results := make([]Result, 0, result.ResultCount)
	for i := 0; i < result.ResultCount && i < len(ids); i++ {
		chunk := Chunk{ID: ids[i]}
		if i < len(docs) {
			chunk.DocumentID = docs[i]
		}
		if i < len(indexes) {
			chunk.Index = int(indexes[i])
		}
		if i < len(contents) {
			chunk.Text = contents[i]
		}
		if i < len(payloads) {
			var p milvusPayload
			if err := json.Unmarshal(payloads[i], &p); err == nil {
				chunk.StartToken, chunk.EndToken = p.StartToken, p.EndToken
				chunk.StartOffset, chunk.EndOffset = p.StartOffset, p.EndOffset
				chunk.Metadata = p.Metadata
			}
		}

		score := float64(result.Scores[i])
		// L2 返回平方距离
		if c.Metric == MetricEuclidean {
			score = DistanceToScore(math.Sqrt(score))
		}
		results = append(results, Result{Chunk: chunk, Score: score, DenseScore: score, HasDense: true})
	}
	return results, nil
}

// milvusFilterExpr 元数据精确匹配表达式
func milvusFilterExpr(filter Filter) string {
	if len(filter) == 0 {
		return ""
	}
	parts := make([]string, 0, len(filter))
	for _, k := range slices.Sorted(maps.Keys(filter)) {
		parts = append(parts, fmt.Sprintf(`%s["metadata"][%s] == %s`,
			milvusFieldPayload, strconv.Quote(k), strconv.Quote(filter[k])))
	}
	return strings.Join(parts, " && ")
}

// classifyMilvusError 连接类 gRPC 错误可重试
func classifyMilvusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return apperrors.Transient(err)
	}
	return err
}

// Close 关闭客户端连接
func (s *MilvusBackend) Close() error {
	return s.milvusClient.Close()
}
