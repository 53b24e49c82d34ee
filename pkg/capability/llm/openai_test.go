package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/capability"
	"ford/pkg/feedback"
	"ford/pkg/resilience"
)

func responsesServer(t *testing.T, status int, responseStatus, text string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/responses"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "gpt-test")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}
		out, _ := json.Marshal(map[string]any{
			"id":         "resp_1",
			"object":     "response",
			"created_at": 0,
			"model":      "gpt-test",
			"status":     responseStatus,
			"output": []map[string]any{{
				"type":   "message",
				"id":     "msg_1",
				"role":   "assistant",
				"status": "completed",
				"content": []map[string]any{
					{"type": "output_text", "text": text, "annotations": []any{}},
				},
			}},
		})
		_, _ = w.Write(out)
	}))
	t.Cleanup(server.Close)
	return server
}

func newOpenAITestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := NewOpenAIClient("test-key", "gpt-test", 1024, 4096, option.WithBaseURL(server.URL+"/v1/"))
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, c.Provider())
	return c
}

func TestOpenAIClassify(t *testing.T) {
	server := responsesServer(t, http.StatusOK, "completed",
		`{"category":"feature_request","severity":30,"confidence":0.8,"reasoning":"asks for csv","fields":{"summary":"CSV export"}}`)
	c := newOpenAITestClient(t, server)

	cl, err := c.Classify(context.Background(), feedback.Item{ID: "f2", Text: "export to csv"})
	require.NoError(t, err)
	assert.Equal(t, feedback.CategoryFeatureRequest, cl.Category)
	assert.Equal(t, 30.0, cl.Severity)
	assert.Equal(t, "CSV export", cl.Fields.Summary)
}

func TestOpenAIGenerateFix(t *testing.T) {
	server := responsesServer(t, http.StatusOK, "completed",
		`{"changes":[{"path":"pkg/save.go","content":"package pkg"}],"reasoning":"nil check"}`)
	c := newOpenAITestClient(t, server)

	gen, err := c.ImplementFix(context.Background(), capability.GenerationRequest{IssueNumber: 7, IssueTitle: "Crash on save"})
	require.NoError(t, err)
	require.Len(t, gen.Changes, 1)
	assert.Equal(t, "pkg/save.go", gen.Changes[0].Path)
}

func TestOpenAIErrorsAreClassified(t *testing.T) {
	c := newOpenAITestClient(t, responsesServer(t, http.StatusUnauthorized, "", ""))
	_, err := c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))

	c = newOpenAITestClient(t, responsesServer(t, http.StatusTooManyRequests, "", ""))
	_, err = c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))

	c = newOpenAITestClient(t, responsesServer(t, http.StatusOK, "incomplete", `{"category":`))
	_, err = c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))
}

func TestOpenAIRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient("", "gpt-test", 1024, 4096)
	assert.Error(t, err)
}
