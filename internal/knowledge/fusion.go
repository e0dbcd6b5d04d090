package knowledge

import (
	"cmp"
	"slices"
)

// RRFConstant 倒数排名融合的平滑常数 k0
const RRFConstant = 60

// sortResults 按分数降序，同分按记录ID升序
func sortResults(results []Result) {
	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.ID, b.Chunk.ID)
	})
}

// FuseRRF 倒数排名融合：score = Σ 1/(k0 + rank)，rank 从 1 开始
// 每个列表需已按相关性排序，结果保留向量分数供阈值判断
func FuseRRF(k int, lists ...[]Result) []Result {
	fused := make(map[string]*Result)
	for _, list := range lists {
		for rank, r := range list {
			contribution := 1.0 / float64(RRFConstant+rank+1)
			existing, ok := fused[r.Chunk.ID]
			if !ok {
				merged := r
				merged.Score = contribution
				fused[r.Chunk.ID] = &merged
				continue
			}
			existing.Score += contribution
			if r.HasDense && (!existing.HasDense || r.DenseScore > existing.DenseScore) {
				existing.DenseScore = r.DenseScore
				existing.HasDense = true
			}
		}
	}

	out := make([]Result, 0, len(fused))
	for _, r := range fused {
		out = append(out, *r)
	}
	sortResults(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// BestDenseScore 结果中最高的向量分数，没有向量命中时 ok 为假
func BestDenseScore(results []Result) (best float64, ok bool) {
	for _, r := range results {
		if r.HasDense && (!ok || r.DenseScore > best) {
			best, ok = r.DenseScore, true
		}
	}
	return best, ok
}
