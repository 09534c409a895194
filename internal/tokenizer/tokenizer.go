// Package tokenizer provides the local token estimator used when a provider
// omits usage data or while a stream is still in flight. Billing always
// prefers provider-reported counts; this is an estimate, not an account.
package tokenizer

import (
	"unicode"

	"github.com/workmesh/aigate/pkg/types"
)

// Character-per-token ratios. Non-Latin scripts (CJK in particular) pack far
// fewer characters per token than Latin text.
const (
	latinCharsPerToken    = 4.0
	nonLatinCharsPerToken = 1.6

	// perMessageOverhead approximates role and formatting tokens added by
	// common chat templates.
	perMessageOverhead = 2
)

// EstimateText estimates the token count of a piece of text.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}

	latin, other := 0, 0
	for _, r := range text {
		if r < 128 || unicode.In(r, unicode.Latin) {
			latin++
		} else {
			other++
		}
	}

	est := float64(latin)/latinCharsPerToken + float64(other)/nonLatinCharsPerToken
	tokens := int(est)
	if est > float64(tokens) {
		tokens++
	}
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// EstimatePrompt estimates the input tokens of a canonical request: system
// prompt, history, the new message, and any extracted attachment text.
func EstimatePrompt(req *types.CanonicalRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	if req.SystemPrompt != "" {
		total += EstimateText(req.SystemPrompt) + perMessageOverhead
	}
	for _, turn := range req.History {
		total += EstimateText(turn.Content) + perMessageOverhead
	}
	total += EstimateText(req.NewMessage) + perMessageOverhead
	for _, part := range req.Attachments {
		if part.Kind == types.PartExtractedText {
			total += EstimateText(part.Text)
		}
	}
	return total
}
