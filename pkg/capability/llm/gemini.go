package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"ford/pkg/resilience"
)

type geminiBackend struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a client on the Gemini API. baseURL overrides the endpoint when set.
func NewGeminiClient(ctx context.Context, apiKey, model string, maxOutputTokens, maxContextTokens int, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newClient(&geminiBackend{client: client, model: model}, ProviderGemini, maxOutputTokens, maxContextTokens)
}

func (b *geminiBackend) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	temperature := float32(0)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(min(maxTokens, 1<<31-1)), //nolint:gosec // bounded above
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	result, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(user), config)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return "", resilience.Transient(errors.New("empty response from model"))
	}
	if result.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return "", resilience.Permanent(fmt.Errorf("model output truncated at %d tokens", maxTokens))
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", resilience.Transient(errors.New("empty response from model"))
	}
	return text, nil
}

// classifyGeminiError wraps err. API errors read "Error <code>, Message: ...", which
// resilience.KindOf sorts into permanent 4xx and transient everything else.
func classifyGeminiError(err error) error {
	return fmt.Errorf("gemini: %w", err)
}
