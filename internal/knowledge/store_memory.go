package knowledge

import (
	"context"
	"maps"
	"sync"
)

// MemoryBackend 进程内向量后端，暴力检索
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	schema  Collection
	records map[string]Record
}

// NewMemoryBackend 创建内存向量后端
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) DescribeCollection(ctx context.Context, name string) (Collection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return Collection{}, false, nil
	}
	return c.schema, true, nil
}

func (m *MemoryBackend) CreateCollection(ctx context.Context, c Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[c.Name]; !ok {
		m.collections[c.Name] = &memoryCollection{schema: c, records: make(map[string]Record)}
	}
	return nil
}

func (m *MemoryBackend) collection(name string) (*memoryCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, errCollectionNotFound(name)
	}
	return c, nil
}

// Upsert 在单次加锁内替换整批记录
func (m *MemoryBackend) Upsert(ctx context.Context, schema Collection, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(schema.Name)
	if err != nil {
		return err
	}
	for _, r := range records {
		stored := r
		stored.Vector = append([]float32(nil), r.Vector...)
		stored.Payload.Metadata = maps.Clone(r.Payload.Metadata)
		c.records[r.ID] = stored
	}
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(c.records, id)
	}
	return nil
}

func (m *MemoryBackend) Count(ctx context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.collection(collection)
	if err != nil {
		return 0, err
	}
	return len(c.records), nil
}

// Get 按ID读取记录
func (m *MemoryBackend) Get(collection, id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return Record{}, false
	}
	r, ok := c.records[id]
	return r, ok
}

func (m *MemoryBackend) Search(ctx context.Context, schema Collection, vector []float32, k int, filter Filter) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.collection(schema.Name)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(c.records))
	for _, r := range c.records {
		if !filter.Match(r.Payload.Metadata) {
			continue
		}
		score := c.schema.Metric.Similarity(vector, r.Vector)
		chunk := r.Payload
		chunk.Metadata = maps.Clone(chunk.Metadata)
		results = append(results, Result{Chunk: chunk, Score: score, DenseScore: score, HasDense: true})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
