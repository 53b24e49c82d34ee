package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ford/pkg/feedback"
	"ford/pkg/resilience"
)

const classifySystem = `You triage user feedback about a software product.
Reply with one JSON object and nothing else:
{"category": "bug" | "feature_request" | "discussion",
 "severity": number 0-100,
 "confidence": number 0-1,
 "reasoning": string,
 "fields": {"summary": string, "component": string, "reproduction_steps": [string],
            "expected_behavior": string, "actual_behavior": string, "affected_paths": [string]}}`

type classifyResponse struct {
	Category   string                   `json:"category"`
	Severity   float64                  `json:"severity"`
	Confidence float64                  `json:"confidence"`
	Reasoning  string                   `json:"reasoning"`
	Fields     feedback.ExtractedFields `json:"fields"`
}

// Classify classifies item. The embedding is left empty; the embedding capability fills it.
func (c *Client) Classify(ctx context.Context, item feedback.Item) (feedback.Classification, error) {
	user := fmt.Sprintf("Author: %s\nPosted: %s\nEngagement: %d likes, %d reposts, %d replies\n\n%s",
		item.Author, item.Timestamp.Format(time.RFC3339),
		item.Engagement.Likes, item.Engagement.Reposts, item.Engagement.Replies, item.Text)

	text, err := c.complete(ctx, classifySystem, user)
	if err != nil {
		return feedback.Classification{}, err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return feedback.Classification{}, err
	}
	var resp classifyResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return feedback.Classification{}, resilience.Transient(fmt.Errorf("malformed classification: %w", err))
	}

	return feedback.Classification{
		ItemID:       item.ID,
		Category:     feedback.Category(resp.Category),
		Severity:     resp.Severity,
		Confidence:   resp.Confidence,
		Reasoning:    resp.Reasoning,
		Fields:       resp.Fields,
		ClassifiedAt: time.Now().UTC(),
	}.Normalize(), nil
}
