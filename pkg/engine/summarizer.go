package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/provider"
	"github.com/arion-ai/arion/pkg/sessions"
)

const summaryInstructions = `You compress conversation history. Produce a concise summary of the ` +
	`transcript that preserves facts, decisions, names, and open questions. ` +
	`Respond with the summary text only.`

// summarizer builds the compaction summarizer for an agent: a single
// non-streaming call on the agent's own runtime, using the configured
// summarizer model when one is set.
func (e *Engine) summarizer(rt provider.Runtime, agent *config.AgentConfig, fallbackModel string) sessions.Summarizer {
	model := agent.SummarizerModel
	if model == "" {
		model = fallbackModel
	}
	return func(ctx context.Context, items []provider.SessionItem) (sessions.Summary, error) {
		var b strings.Builder
		for _, item := range items {
			fmt.Fprintf(&b, "%s: %s\n", item.Role, item.Content)
		}

		res, err := rt.Run(ctx, provider.RunInput{
			Model:        model,
			Instructions: summaryInstructions,
			Message:      b.String(),
			MaxTurns:     1,
		})
		if err != nil {
			return sessions.Summary{}, fmt.Errorf("summarization run failed: %w", err)
		}
		return sessions.Summary{
			Text:   res.FinalText,
			Model:  model,
			Tokens: int(res.Usage.OutputTokens),
		}, nil
	}
}
