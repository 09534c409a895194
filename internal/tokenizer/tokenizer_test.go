package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/workmesh/aigate/pkg/types"
)

func TestEstimateTextLatin(t *testing.T) {
	// 40 ASCII characters at 4 chars/token.
	assert.Equal(t, 10, EstimateText(strings.Repeat("a", 40)))
}

func TestEstimateTextRoundsUp(t *testing.T) {
	assert.Equal(t, 2, EstimateText("hello"))
}

func TestEstimateTextMinimumOne(t *testing.T) {
	assert.Equal(t, 1, EstimateText("a"))
	assert.Equal(t, 0, EstimateText(""))
}

func TestEstimateTextNonLatinDenser(t *testing.T) {
	// 16 CJK characters at 1.6 chars/token.
	assert.Equal(t, 10, EstimateText(strings.Repeat("日", 16)))
}

func TestEstimateTextMixedScripts(t *testing.T) {
	// 8 Latin chars (2 tokens) + 8 CJK chars (5 tokens).
	assert.Equal(t, 7, EstimateText(strings.Repeat("a", 8)+strings.Repeat("語", 8)))
}

func TestEstimatePrompt(t *testing.T) {
	req := &types.CanonicalRequest{
		SystemPrompt: strings.Repeat("s", 40), // 10 + 2 overhead
		History: []types.ConversationTurn{
			{Role: types.RoleUser, Content: strings.Repeat("h", 20)},      // 5 + 2
			{Role: types.RoleAssistant, Content: strings.Repeat("r", 20)}, // 5 + 2
		},
		NewMessage: strings.Repeat("n", 40), // 10 + 2
		Attachments: []types.NormalizedPart{
			{Kind: types.PartExtractedText, Text: strings.Repeat("x", 40)}, // 10
			{Kind: types.PartInlineImage, Data: "ignored"},
		},
	}
	assert.Equal(t, 48, EstimatePrompt(req))
}

func TestEstimatePromptNil(t *testing.T) {
	assert.Zero(t, EstimatePrompt(nil))
}
