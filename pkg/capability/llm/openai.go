package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	oaioption "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"ford/pkg/resilience"
)

type openAIBackend struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a client on the OpenAI Responses API. Extra options (base URL, HTTP
// client) are passed through.
func NewOpenAIClient(apiKey, model string, maxOutputTokens, maxContextTokens int, opts ...oaioption.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai API key is required")
	}
	opts = append([]oaioption.RequestOption{oaioption.WithAPIKey(apiKey), oaioption.WithMaxRetries(0)}, opts...)
	return newClient(&openAIBackend{
		client: openai.NewClient(opts...),
		model:  model,
	}, ProviderOpenAI, maxOutputTokens, maxContextTokens)
}

func (b *openAIBackend) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	input := user
	if system != "" {
		input = fmt.Sprintf("System: %s\n\n%s", system, user)
	}
	params := responses.ResponseNewParams{
		Model:           b.model,
		MaxOutputTokens: openai.Int(maxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := b.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", byStatus(ProviderOpenAI, apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("openai: %w", err)
	}
	if resp == nil {
		return "", resilience.Transient(errors.New("empty response from model"))
	}
	if resp.Status == "incomplete" {
		return "", resilience.Permanent(fmt.Errorf("model output truncated at %d tokens", maxTokens))
	}

	text := resp.OutputText()
	if strings.TrimSpace(text) == "" {
		return "", resilience.Transient(errors.New("empty response from model"))
	}
	return text, nil
}
