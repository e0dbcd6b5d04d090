package knowledge

import (
	"math"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// Metric 距离度量
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric 解析配置中的度量名称
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricCosine, MetricDot, MetricEuclidean:
		return m, nil
	default:
		return "", apperrors.NewInvalidConfiguration("unknown distance metric %q", s)
	}
}

// Similarity 按度量计算越高越好的相似度，欧氏距离 d 转换为 1/(1+d)
func (m Metric) Similarity(a, b []float32) float64 {
	switch m {
	case MetricDot:
		return dot(a, b)
	case MetricEuclidean:
		return DistanceToScore(euclidean(a, b))
	default:
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

// DistanceToScore 将欧氏距离映射到 (0,1]
func DistanceToScore(d float64) float64 {
	return 1 / (1 + d)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(a []float32) float64 {
	return math.Sqrt(dot(a, a))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
