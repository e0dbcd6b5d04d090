package knowledge

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"
)

// BM25 参数
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// MemoryKeywordIndex 进程内 BM25 关键词索引
type MemoryKeywordIndex struct {
	mu      sync.RWMutex
	indexes map[string]*bm25Index
}

type bm25Index struct {
	docs     map[string]bm25Doc
	docFreq  map[string]int
	totalLen int
}

type bm25Doc struct {
	chunk  Chunk
	tf     map[string]int
	length int
}

// NewMemoryKeywordIndex 创建内存关键词索引
func NewMemoryKeywordIndex() *MemoryKeywordIndex {
	return &MemoryKeywordIndex{indexes: make(map[string]*bm25Index)}
}

func (m *MemoryKeywordIndex) Name() string { return "memory" }

func (m *MemoryKeywordIndex) EnsureIndex(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index(collection)
	return nil
}

// index 调用方需持有写锁
func (m *MemoryKeywordIndex) index(collection string) *bm25Index {
	idx, ok := m.indexes[collection]
	if !ok {
		idx = &bm25Index{docs: make(map[string]bm25Doc), docFreq: make(map[string]int)}
		m.indexes[collection] = idx
	}
	return idx
}

func (m *MemoryKeywordIndex) Index(ctx context.Context, collection string, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.index(collection)
	for _, c := range chunks {
		idx.remove(c.ID)
		words := terms(c.Text)
		tf := make(map[string]int, len(words))
		for _, w := range words {
			tf[w]++
		}
		for w := range tf {
			idx.docFreq[w]++
		}
		idx.docs[c.ID] = bm25Doc{chunk: c, tf: tf, length: len(words)}
		idx.totalLen += len(words)
	}
	return nil
}

func (m *MemoryKeywordIndex) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.index(collection)
	for _, id := range ids {
		idx.remove(id)
	}
	return nil
}

func (idx *bm25Index) remove(id string) {
	doc, ok := idx.docs[id]
	if !ok {
		return
	}
	for w := range doc.tf {
		if idx.docFreq[w]--; idx.docFreq[w] <= 0 {
			delete(idx.docFreq, w)
		}
	}
	idx.totalLen -= doc.length
	delete(idx.docs, id)
}

func (m *MemoryKeywordIndex) Search(ctx context.Context, collection string, query string, k int, filter Filter) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[collection]
	if !ok || len(idx.docs) == 0 {
		return nil, nil
	}

	queryTerms := uniqueTerms(query)
	n := float64(len(idx.docs))
	avgLen := float64(idx.totalLen) / n

	var results []Result
	for _, doc := range idx.docs {
		if !filter.Match(doc.chunk.Metadata) {
			continue
		}
		var score float64
		for _, w := range queryTerms {
			tf := float64(doc.tf[w])
			if tf == 0 {
				continue
			}
			df := float64(idx.docFreq[w])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/avgLen))
		}
		if score > 0 {
			results = append(results, Result{Chunk: doc.chunk, Score: score})
		}
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// terms 小写的字母数字词
func terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func uniqueTerms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range terms(text) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
