package textgen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/paywire/internal/types"
	"github.com/user/paywire/pkg/llm"
)

// maxPhraseLen bounds generated text; longer replies are cut at a word.
const maxPhraseLen = 280

// LLM phrases text through a chat completion provider.
type LLM struct {
	provider llm.Provider
	budget   *Budget
	history  func() []types.Entry
}

// LLMOption configures an LLM generator.
type LLMOption func(*LLM)

// WithHistory supplies recent conversation entries as prompt context.
func WithHistory(fn func() []types.Entry) LLMOption {
	return func(g *LLM) { g.history = fn }
}

// NewLLM creates a generator over provider, trimming prompts with budget.
func NewLLM(provider llm.Provider, budget *Budget, opts ...LLMOption) *LLM {
	g := &LLM{provider: provider, budget: budget}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Phrase implements types.TextGenerator.
func (g *LLM) Phrase(ctx context.Context, p types.Phrase) (string, error) {
	system, err := renderSystem(p)
	if err != nil {
		return "", err
	}

	var history []llm.Message
	if g.history != nil {
		for _, e := range g.history() {
			history = append(history, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("[%s] %s", e.AgentID, e.Text),
			})
		}
	}

	resp, err := g.provider.Complete(ctx, g.budget.Fit(system, history, instruction(p)))
	if err != nil {
		return "", fmt.Errorf("complete phrase: %w", err)
	}
	text := clean(resp.Content)
	if text == "" {
		return "", errors.New("complete phrase: empty reply")
	}
	return text, nil
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxPhraseLen {
		return s
	}
	cut := s[:maxPhraseLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
