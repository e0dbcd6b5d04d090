package ingest

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry 文档哈希台账记录
type Entry struct {
	SourceID     string    `json:"source_id"`
	Hash         string    `json:"hash"`
	ChunkSize    int       `json:"chunk_size"`
	ChunkOverlap int       `json:"chunk_overlap"`
	ChunkCount   int       `json:"chunk_count"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// Unchanged 内容和分块参数都未变化；未完成的记录永远视为已变化
func (e Entry) Unchanged(hash string, size, overlap int) bool {
	return !e.Pending() && e.Hash == hash && e.ChunkSize == size && e.ChunkOverlap == overlap
}

// Pending 入库已开始但尚未确认完成
func (e Entry) Pending() bool {
	return e.Hash == ""
}

// UpdateFunc 在台账事务内根据旧记录计算新记录
type UpdateFunc func(prev Entry, found bool) (Entry, error)

// Ledger 源标识到最后入库哈希的映射，按源标识原子读改写
type Ledger interface {
	Get(ctx context.Context, sourceID string) (Entry, bool, error)
	Update(ctx context.Context, sourceID string, fn UpdateFunc) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// MemoryLedger 进程内台账
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryLedger 创建内存台账
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (m *MemoryLedger) Get(ctx context.Context, sourceID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sourceID]
	return e, ok, nil
}

func (m *MemoryLedger) Update(ctx context.Context, sourceID string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, found := m.entries[sourceID]
	next, err := fn(prev, found)
	if err != nil {
		return err
	}
	next.SourceID = sourceID
	m.entries[sourceID] = next
	return nil
}

func (m *MemoryLedger) List(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryLedger) Close() error { return nil }

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.SourceID, b.SourceID) })
}
