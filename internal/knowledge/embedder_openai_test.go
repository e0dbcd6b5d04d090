package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/rag-assistant/internal/errors"
)

func TestOpenAIEmbedder_DefaultDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-v3", 1024},
		{"text-embedding-v2", 1536},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", Model: tt.model})
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Dimensions())
			assert.False(t, e.requestDimensions)
		})
	}
}

func TestOpenAIEmbedder_RequiresCredentials(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfiguration)
}

func TestOpenAIEmbedder_EmbedBatchOrdersByIndex(t *testing.T) {
	var req struct {
		Model      string   `json:"model"`
		Input      []string `json:"input"`
		Dimensions int      `json:"dimensions"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-v3","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		Model:      "text-embedding-v3",
		Dimensions: 2,
	})
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, "text-embedding-v3", req.Model)
	assert.Equal(t, []string{"first", "second"}, req.Input)
	assert.Equal(t, 2, req.Dimensions)
}

func TestOpenAIEmbedder_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = e.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}
