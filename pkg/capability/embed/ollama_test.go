package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/resilience"
)

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req["model"])
		assert.Equal(t, "app crashes", req["input"])
		fmt.Fprint(w, `{"model": "nomic-embed-text", "embeddings": [[0.1, 0.2, 0.3]]}`)
	}))
	defer server.Close()

	e, err := NewOllama(server.URL, "nomic-embed-text")
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "app crashes")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": "loading model"}`)
	}))
	defer server.Close()

	e, err := NewOllama(server.URL, "m")
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}

func TestEmbedModelMissingIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": "model not found"}`)
	}))
	defer server.Close()

	e, err := NewOllama(server.URL, "m")
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))
}
