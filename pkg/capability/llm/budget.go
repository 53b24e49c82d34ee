package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"ford/pkg/capability"
)

// Budget counts tokens to keep prompts under the context limit. Claude tokenization is
// approximated with the GPT-4 encoding.
type Budget struct {
	codec tokenizer.Codec
	max   int
}

// NewBudget creates a budget of max tokens.
func NewBudget(max int) (*Budget, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Budget{codec: codec, max: max}, nil
}

// Count returns the number of tokens in text.
func (b *Budget) Count(text string) int {
	count, err := b.codec.Count(text)
	if err != nil {
		// 4 chars ≈ 1 token
		return len(text) / 4
	}
	return count
}

// Fit returns the prefix of files that fits in the budget after reserving reserved tokens.
// Files are taken in order; the first file that does not fit ends the selection.
func (b *Budget) Fit(files []capability.SourceFile, reserved int) []capability.SourceFile {
	remaining := b.max - reserved
	out := make([]capability.SourceFile, 0, len(files))
	for _, f := range files {
		cost := b.Count(f.Path) + b.Count(f.Content) + 8
		if cost > remaining {
			break
		}
		remaining -= cost
		out = append(out, f)
	}
	return out
}
