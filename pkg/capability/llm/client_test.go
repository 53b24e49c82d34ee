package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/capability"
	"ford/pkg/feedback"
	"ford/pkg/resilience"
)

func messageServer(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-test",
			"content":       []map[string]any{{"type": "text", "text": text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 10},
		})
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient("test-key", "claude-test", 1024, 4096, option.WithBaseURL(server.URL))
	require.NoError(t, err)
	return c
}

func TestClassifyClampsScores(t *testing.T) {
	server := messageServer(t, http.StatusOK, "Here you go:\n```json\n"+
		`{"category":"bug","severity":140,"confidence":0.9,"reasoning":"crash","fields":{"summary":"Crash on save"}}`+"\n```")
	c := newTestClient(t, server)

	cl, err := c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "it crashes"})
	require.NoError(t, err)
	assert.Equal(t, "f1", cl.ItemID)
	assert.Equal(t, feedback.CategoryBug, cl.Category)
	assert.Equal(t, 100.0, cl.Severity)
	assert.Equal(t, "Crash on save", cl.Fields.Summary)
}

func TestGenerateTests(t *testing.T) {
	server := messageServer(t, http.StatusOK,
		`{"changes":[{"path":"pkg/save_test.go","content":"package pkg"}],"test_cases":["TestSave"],"reasoning":"r"}`)
	c := newTestClient(t, server)

	gen, err := c.GenerateTests(context.Background(), capability.GenerationRequest{
		IssueNumber: 7, IssueTitle: "Crash on save",
		Context: []capability.SourceFile{{Path: "pkg/save.go", Content: "package pkg"}},
	})
	require.NoError(t, err)
	require.Len(t, gen.Changes, 1)
	assert.Equal(t, "pkg/save_test.go", gen.Changes[0].Path)
	assert.Equal(t, []string{"TestSave"}, gen.TestCases)
}

func TestErrorsAreClassified(t *testing.T) {
	c := newTestClient(t, messageServer(t, http.StatusUnauthorized, ""))
	_, err := c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))

	c = newTestClient(t, messageServer(t, http.StatusServiceUnavailable, ""))
	_, err = c.Classify(context.Background(), feedback.Item{ID: "f1", Text: "x"})
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}

func TestBudgetFit(t *testing.T) {
	b, err := NewBudget(60)
	require.NoError(t, err)
	files := []capability.SourceFile{
		{Path: "a.go", Content: "package a"},
		{Path: "b.go", Content: "package b"},
		{Path: "big.go", Content: string(make([]byte, 4000))},
		{Path: "c.go", Content: "package c"},
	}
	fit := b.Fit(files, 10)
	require.Len(t, fit, 2)
	assert.Equal(t, "b.go", fit[1].Path)
}
