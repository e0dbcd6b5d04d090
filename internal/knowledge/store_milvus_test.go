package knowledge

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

func TestMilvusFilterExpr(t *testing.T) {
	assert.Equal(t, "", milvusFilterExpr(nil))
	assert.Equal(t,
		`payload["metadata"]["lang"] == "en" && payload["metadata"]["type"] == "md"`,
		milvusFilterExpr(Filter{"type": "md", "lang": "en"}))
}

func TestMilvusMetricMapping(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricDot, MetricEuclidean} {
		assert.Equal(t, m, metricFromMilvus(string(milvusMetric(m))))
	}
	assert.Equal(t, entity.IP, milvusMetric(MetricDot))
}

func TestClassifyMilvusError(t *testing.T) {
	unavailable := fmt.Errorf("milvus upsert failed: %w", status.Error(codes.Unavailable, "connection refused"))
	assert.True(t, apperrors.IsTransient(classifyMilvusError(unavailable)))

	invalid := status.Error(codes.InvalidArgument, "bad expr")
	assert.False(t, apperrors.IsTransient(classifyMilvusError(invalid)))

	assert.True(t, apperrors.IsTransient(classifyMilvusError(context.DeadlineExceeded)))
	assert.False(t, apperrors.IsTransient(classifyMilvusError(errors.New("schema mismatch"))))
	assert.NoError(t, classifyMilvusError(nil))
}

func vectorField(dim string) *entity.Field {
	return &entity.Field{
		Name:       milvusFieldVector,
		DataType:   entity.FieldTypeFloatVector,
		TypeParams: map[string]string{entity.TypeParamDim: dim},
	}
}

func TestMilvusCollectionSchema(t *testing.T) {
	l2, err := entity.NewIndexHNSW(entity.L2, 8, 64)
	require.NoError(t, err)

	c, err := milvusCollectionSchema("docs", []*entity.Field{vectorField("384")}, []entity.Index{l2})
	require.NoError(t, err)
	assert.Equal(t, Collection{Name: "docs", Dimension: 384, Metric: MetricEuclidean}, c)

	tests := []struct {
		name    string
		fields  []*entity.Field
		indexes []entity.Index
	}{
		{"unparsable dimension", []*entity.Field{vectorField("abc")}, []entity.Index{l2}},
		{"zero dimension", []*entity.Field{vectorField("0")}, []entity.Index{l2}},
		{"no vector field", nil, []entity.Index{l2}},
		{"no index", []*entity.Field{vectorField("384")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := milvusCollectionSchema("docs", tt.fields, tt.indexes)
			assert.ErrorIs(t, err, apperrors.ErrCollectionConflict)
		})
	}
}
