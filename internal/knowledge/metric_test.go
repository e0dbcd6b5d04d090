package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

func TestMetric_Similarity(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	assert.InDelta(t, 1.0, MetricCosine.Similarity(a, a), 1e-9)
	assert.InDelta(t, 0.0, MetricCosine.Similarity(a, b), 1e-9)
	assert.InDelta(t, 2.0, MetricDot.Similarity([]float32{1, 1}, []float32{1, 1}), 1e-9)
	assert.InDelta(t, 1.0, MetricEuclidean.Similarity(a, a), 1e-9)
	// 距离越大分数越低
	assert.Less(t, MetricEuclidean.Similarity(a, []float32{5, 5}), MetricEuclidean.Similarity(a, b))
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("dot")
	assert.NoError(t, err)
	assert.Equal(t, MetricDot, m)

	_, err = ParseMetric("hamming")
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfiguration)
}
