// Package tokenizer estimates token counts for admission control and cost
// estimation. Tiktoken-backed counting is used for OpenAI-family models,
// with a character-ratio estimator as the fallback for everything else.
package tokenizer

import (
	"github.com/BaSui01/streamstack/llm"
)

// DefaultEstimate is used when a token count cannot be derived at all.
const DefaultEstimate = 100

// Tokenizer counts tokens for a given model's encoding.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// ForModel returns the best available tokenizer for the model:
// tiktoken when the model maps to a known encoding, otherwise the
// character-ratio estimator.
func ForModel(model string) Tokenizer {
	if t, err := NewTiktoken(model); err == nil {
		return t
	}
	return NewEstimator()
}

// EstimateRequest returns an estimated prompt token count for the request.
// Failures fall back to chars/4, and an empty prompt falls back to
// DefaultEstimate so admission always has a positive cost.
func EstimateRequest(req *llm.ChatRequest) int {
	tok := ForModel(req.Model)
	total := 0
	for _, m := range req.Messages {
		n, err := tok.CountTokens(m.Content)
		if err != nil {
			total = req.PromptChars() / 4
			break
		}
		total += n
	}
	if total <= 0 {
		return DefaultEstimate
	}
	return total
}
