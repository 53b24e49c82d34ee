// Package embed implements the embedding capability against an Ollama server.
package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"ford/pkg/resilience"
)

// Ollama computes embeddings with a local or remote Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates an embedder for model served at baseURL.
func NewOllama(baseURL, model string) (*Ollama, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL %q: %w", baseURL, err)
	}
	if model == "" {
		return nil, errors.New("embedding model is required")
	}
	return &Ollama{client: api.NewClient(parsedURL, http.DefaultClient), model: model}, nil
}

// Embed returns the embedding of text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, resilience.Transient(errors.New("ollama returned no embedding"))
	}
	return resp.Embeddings[0], nil
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		wrapped := fmt.Errorf("ollama embed: %w", err)
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests, statusErr.StatusCode >= 500:
			return resilience.Transient(wrapped)
		case statusErr.StatusCode >= 400:
			return resilience.Permanent(wrapped)
		}
		return wrapped
	}
	return fmt.Errorf("ollama embed: %w", err)
}
