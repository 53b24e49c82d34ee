package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/feedback"
	"ford/pkg/resilience"
)

func geminiServer(t *testing.T, status int, finishReason, text string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope","status":"ERROR"}}`, status)
			return
		}
		out, _ := json.Marshal(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
				"finishReason": finishReason,
			}},
		})
		_, _ = w.Write(out)
	}))
	t.Cleanup(server.Close)
	return server
}

func newGeminiTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := NewGeminiClient(context.Background(), "test-key", "gemini-test", 1024, 4096, server.URL)
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, c.Provider())
	return c
}

func TestGeminiClassify(t *testing.T) {
	server := geminiServer(t, http.StatusOK, "STOP",
		`{"category":"bug","severity":80,"confidence":0.7,"reasoning":"crash","fields":{"summary":"Crash on save"}}`)
	c := newGeminiTestClient(t, server)

	cl, err := c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "save crashes"})
	require.NoError(t, err)
	assert.Equal(t, feedback.CategoryBug, cl.Category)
	assert.Equal(t, 80.0, cl.Severity)
}

func TestGeminiTruncatedOutputIsPermanent(t *testing.T) {
	c := newGeminiTestClient(t, geminiServer(t, http.StatusOK, "MAX_TOKENS", `{"category":`))
	_, err := c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))
}

func TestGeminiErrorsAreClassified(t *testing.T) {
	c := newGeminiTestClient(t, geminiServer(t, http.StatusUnauthorized, "", ""))
	_, err := c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))

	c = newGeminiTestClient(t, geminiServer(t, http.StatusServiceUnavailable, "", ""))
	_, err = c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}
