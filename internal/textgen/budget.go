package textgen

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/paywire/pkg/llm"
)

// Budget trims prompts to fit a model's context window.
type Budget struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewBudget creates a token budget for model. maxTokens is the context
// window size; reserve is held back for the model's reply.
func NewBudget(model string, maxTokens, reserve int) (*Budget, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Budget{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// Count returns the token count for text.
func (b *Budget) Count(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

// Fit assembles system, the newest history that fits, and the final
// instruction. system and instruction are always kept; history is dropped
// oldest first.
func (b *Budget) Fit(system string, history []llm.Message, instruction string) []llm.Message {
	remaining := b.maxTokens - b.reserve - b.Count(system) - b.Count(instruction)

	start := len(history)
	for start > 0 {
		n := b.Count(history[start-1].Content)
		if n > remaining {
			break
		}
		remaining -= n
		start--
	}

	messages := make([]llm.Message, 0, 2+len(history)-start)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	messages = append(messages, history[start:]...)
	messages = append(messages, llm.Message{Role: "user", Content: instruction})
	return messages
}
