package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStore_CountsErrors(t *testing.T) {
	before := testutil.ToFloat64(StoreErrors.WithLabelValues("memory", "upsert"))

	ObserveStore("memory", "upsert", time.Now(), nil)
	ObserveStore("memory", "upsert", time.Now(), errors.New("down"))

	after := testutil.ToFloat64(StoreErrors.WithLabelValues("memory", "upsert"))
	assert.Equal(t, before+1, after)
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "ok", Status(nil))
	assert.Equal(t, "error", Status(errors.New("x")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	ChunksWritten.Add(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rag_chunks_written_total"))
}
