// Package feedback defines the feedback data model shared by intake, clustering and change requests.
package feedback

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Category is the classification bucket of a feedback item.
type Category string

const (
	CategoryBug            Category = "bug"
	CategoryFeatureRequest Category = "feature_request"
	CategoryDiscussion     Category = "discussion"
)

// ValidCategories lists every category, in a fixed order.
var ValidCategories = []Category{CategoryBug, CategoryFeatureRequest, CategoryDiscussion}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, v := range ValidCategories {
		if c == v {
			return true
		}
	}
	return false
}

// Score bounds.
const (
	MinSeverity   = 0.0
	MaxSeverity   = 100.0
	MinConfidence = 0.0
	MaxConfidence = 1.0
)

// Engagement captures social metrics of the source post.
type Engagement struct {
	Likes   int `json:"likes"`
	Reposts int `json:"reposts"`
	Replies int `json:"replies"`
}

// Item is an immutable piece of user feedback. Clusters reference items by ID.
type Item struct {
	ID         string     `json:"id"`
	Author     string     `json:"author"`
	Text       string     `json:"text"`
	Timestamp  time.Time  `json:"timestamp"`
	Engagement Engagement `json:"engagement"`
	SourceURL  string     `json:"source_url,omitempty"`
	ReplyTo    string     `json:"reply_to,omitempty"`
}

// Validate checks required fields.
func (i *Item) Validate() error {
	if i.ID == "" {
		return errors.New("feedback item id is required")
	}
	if i.Text == "" {
		return fmt.Errorf("feedback item %s has no text", i.ID)
	}
	return nil
}

// ExtractedFieldsVersion is the schema version of ExtractedFields.
const ExtractedFieldsVersion = 1

// ExtractedFields is the structured data pulled out of a feedback item's text.
// Unknown keys produced by newer classifiers land in Extensions.
type ExtractedFields struct {
	Version           int               `json:"version"`
	Summary           string            `json:"summary,omitempty"`
	Component         string            `json:"component,omitempty"`
	ReproductionSteps []string          `json:"reproduction_steps,omitempty"`
	ExpectedBehavior  string            `json:"expected_behavior,omitempty"`
	ActualBehavior    string            `json:"actual_behavior,omitempty"`
	AffectedPaths     []string          `json:"affected_paths,omitempty"`
	Extensions        map[string]string `json:"extensions,omitempty"`
}

// Classification is the immutable result of classifying one item. Re-classification produces a new
// record that supersedes the previous one.
type Classification struct {
	ItemID       string          `json:"item_id"`
	Category     Category        `json:"category"`
	Severity     float64         `json:"severity"`
	Confidence   float64         `json:"confidence"`
	Reasoning    string          `json:"reasoning"`
	Embedding    []float32       `json:"embedding,omitempty"`
	Fields       ExtractedFields `json:"fields"`
	ClassifiedAt time.Time       `json:"classified_at"`
}

// Normalize clamps severity into [0,100] and confidence into [0,1] and defaults unknown categories
// to discussion.
func (c Classification) Normalize() Classification {
	c.Severity = ClampSeverity(c.Severity)
	c.Confidence = ClampConfidence(c.Confidence)
	if !c.Category.IsValid() {
		c.Category = CategoryDiscussion
	}
	if c.Fields.Version == 0 {
		c.Fields.Version = ExtractedFieldsVersion
	}
	return c
}

// ClampSeverity forces v into [0,100]. NaN becomes 0.
func ClampSeverity(v float64) float64 {
	return clamp(v, MinSeverity, MaxSeverity)
}

// ClampConfidence forces v into [0,1]. NaN becomes 0.
func ClampConfidence(v float64) float64 {
	return clamp(v, MinConfidence, MaxConfidence)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return lo
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Classified pairs an item with its current classification.
type Classified struct {
	Item           Item           `json:"item"`
	Classification Classification `json:"classification"`
}
