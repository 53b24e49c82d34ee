// Package llm implements classification and code generation on a hosted model. The Anthropic
// Messages API, the OpenAI Responses API and the Gemini API are supported.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ford/pkg/resilience"
)

// Providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// backend sends one system prompt and one user turn and returns the model text.
type backend interface {
	complete(ctx context.Context, system, user string, maxTokens int64) (string, error)
}

// Client classifies feedback and generates changes through a backend.
//
//nolint:govet // Simple client struct, logical grouping preferred
type Client struct {
	backend   backend
	provider  string
	maxTokens int64
	budget    *Budget
}

func newClient(b backend, provider string, maxOutputTokens, maxContextTokens int) (*Client, error) {
	budget, err := NewBudget(maxContextTokens)
	if err != nil {
		return nil, err
	}
	return &Client{backend: b, provider: provider, maxTokens: int64(maxOutputTokens), budget: budget}, nil
}

// Provider names the API behind the client.
func (c *Client) Provider() string { return c.provider }

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	return c.backend.complete(ctx, system, user, c.maxTokens)
}

type anthropicBackend struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClient creates an Anthropic client for model. Extra options (base URL, HTTP client) are
// passed through.
func NewClient(apiKey, model string, maxOutputTokens, maxContextTokens int, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return newClient(&anthropicBackend{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}, ProviderAnthropic, maxOutputTokens, maxContextTokens)
}

func (b *anthropicBackend) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       b.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(user)},
		}},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", resilience.Transient(errors.New("empty response from model"))
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		return "", resilience.Permanent(fmt.Errorf("model output truncated at %d tokens", maxTokens))
	}
	return text.String(), nil
}

// classifyError maps SDK errors onto the error taxonomy.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return byStatus(ProviderAnthropic, apiErr.StatusCode, err)
	}
	return fmt.Errorf("anthropic: %w", err)
}

// byStatus marks rate limits and server errors transient and every other 4xx permanent.
func byStatus(provider string, code int, err error) error {
	wrapped := fmt.Errorf("%s: %w", provider, err)
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return resilience.Transient(wrapped)
	case code >= 400:
		return resilience.Permanent(wrapped)
	}
	return wrapped
}

// extractJSON returns the outermost JSON object in text, tolerating prose or code fences around it.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", resilience.Transient(errors.New("model response contains no JSON object"))
	}
	return text[start : end+1], nil
}
