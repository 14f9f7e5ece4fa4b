package ai

import (
	"github.com/pkoukk/tiktoken-go"

	"kb-research-agent/internal/domain/ports/adapter"
)

// perMessageOverhead approximates the chat framing tokens the API adds
// around each message (role markers and separators).
const perMessageOverhead = 4

// CountTokensLocal counts prompt tokens with tiktoken. Models unknown to the
// tokenizer registry fall back to cl100k_base, which is close enough for
// budget decisions.
func CountTokensLocal(model string, messages []adapter.Message) (int, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return 0, err
		}
	}
	total := 0
	for _, m := range messages {
		total += len(enc.Encode(m.Content, nil, nil)) + perMessageOverhead
	}
	return total, nil
}
