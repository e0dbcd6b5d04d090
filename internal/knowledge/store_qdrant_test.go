package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

// fakeQdrant 最小化的 Qdrant REST 模拟
type fakeQdrant struct {
	mu       sync.Mutex
	size     int
	distance string
	points   map[string]qdrantPoint
	filters  []any
	fail     int
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail > 0 {
		f.fail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/collections/docs":
		if f.points == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"result": map[string]any{"config": map[string]any{"params": map[string]any{
			"vectors": map[string]any{"size": f.size, "distance": f.distance},
		}}}})
	case r.Method == http.MethodPut && path == "/collections/docs":
		var body struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.size, f.distance = body.Vectors.Size, body.Vectors.Distance
		f.points = make(map[string]qdrantPoint)
		writeJSON(w, map[string]any{"result": true})
	case r.Method == http.MethodPut && path == "/collections/docs/points":
		var body struct {
			Points []qdrantPoint `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			f.points[p.ID] = p
		}
		writeJSON(w, map[string]any{"result": map[string]any{"status": "completed"}})
	case r.Method == http.MethodPost && path == "/collections/docs/points/delete":
		var body struct {
			Points []string `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, id := range body.Points {
			delete(f.points, id)
		}
		writeJSON(w, map[string]any{"result": map[string]any{"status": "completed"}})
	case r.Method == http.MethodPost && path == "/collections/docs/points/count":
		writeJSON(w, map[string]any{"result": map[string]any{"count": len(f.points)}})
	case r.Method == http.MethodPost && path == "/collections/docs/points/search":
		var body struct {
			Filter *struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.filters = append(f.filters, body.Filter)
		var hits []map[string]any
		for id, p := range f.points {
			if body.Filter != nil && !matchesMust(p, body.Filter.Must[0].Key, body.Filter.Must[0].Match.Value) {
				continue
			}
			hits = append(hits, map[string]any{"id": id, "score": 3.0, "payload": p.Payload})
		}
		writeJSON(w, map[string]any{"result": hits})
	default:
		http.NotFound(w, r)
	}
}

func matchesMust(p qdrantPoint, key, value string) bool {
	return p.Payload.Metadata[strings.TrimPrefix(key, "metadata.")] == value
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestQdrantBackend_Lifecycle(t *testing.T) {
	fake := &fakeQdrant{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	backend := NewQdrantBackend(QdrantOptions{Endpoint: srv.URL})
	store, err := NewStore(backend, NewMemoryKeywordIndex(), StoreOptions{Retry: testRetry()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.EnsureCollection(ctx, "docs", 8, MetricEuclidean))
	assert.Equal(t, "Euclid", fake.distance)

	records := embedChunks(t, sampleChunks(t), 8)
	require.NoError(t, store.Upsert(ctx, "docs", records))
	require.NoError(t, store.Upsert(ctx, "docs", records))

	n, err := store.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, len(records), n)

	results, err := store.QueryDense(ctx, "docs", records[0].Vector, 3, Filter{"type": "md"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	// 距离 3 转换为 1/(1+3)
	assert.InDelta(t, 0.25, results[0].Score, 1e-9)
	assert.NotEmpty(t, results[0].Chunk.Text)
	assert.Equal(t, "md", results[0].Chunk.Metadata["type"])

	filter, _ := json.Marshal(fake.filters[0])
	assert.True(t, strings.Contains(string(filter), `"metadata.type"`))

	require.NoError(t, store.Delete(ctx, "docs", []string{records[0].ID}))
	n, err = store.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, len(records)-1, n)
}

func TestQdrantBackend_DetectsSchemaConflict(t *testing.T) {
	fake := &fakeQdrant{size: 384, distance: "Cosine", points: map[string]qdrantPoint{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := NewStore(NewQdrantBackend(QdrantOptions{Endpoint: srv.URL}), NewMemoryKeywordIndex(),
		StoreOptions{Retry: testRetry()})
	require.NoError(t, err)

	err = store.EnsureCollection(context.Background(), "docs", 768, MetricCosine)
	assert.ErrorIs(t, err, apperrors.ErrDimensionMismatch)
	assert.Equal(t, 384, fake.size)
}

func TestQdrantBackend_ServerErrorsAreRetried(t *testing.T) {
	fake := &fakeQdrant{size: 8, distance: "Cosine", points: map[string]qdrantPoint{}, fail: 2}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := NewStore(NewQdrantBackend(QdrantOptions{Endpoint: srv.URL}), NewMemoryKeywordIndex(),
		StoreOptions{Retry: testRetry()})
	require.NoError(t, err)
	require.NoError(t, store.EnsureCollection(context.Background(), "docs", 8, MetricCosine))

	fake.mu.Lock()
	fake.fail = 3
	fake.mu.Unlock()
	_, err = store.Count(context.Background(), "docs")
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}
