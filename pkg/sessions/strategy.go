package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/provider"
)

const (
	// defaultMemoryWindow bounds history when the window strategy has no
	// explicit size.
	defaultMemoryWindow = 50

	// defaultSummarizeThreshold triggers compaction when unset.
	defaultSummarizeThreshold = 40

	summaryPreamble = "Summary of the earlier conversation:\n"
)

// Summary is a compacted representation of earlier session items.
type Summary struct {
	Text   string
	Model  string
	Tokens int
}

// Summarizer produces a summary of the given items.
type Summarizer func(ctx context.Context, items []provider.SessionItem) (Summary, error)

// SummaryPersister records a summary and returns its new version.
type SummaryPersister func(ctx context.Context, summary Summary) (int, error)

// CompactionEvent describes one compaction so callers can surface it as a
// lifecycle event on the stream.
type CompactionEvent struct {
	CompactedCount int
	KeptCount      int
	SummaryModel   string
	SummaryVersion int
	SummaryTokens  int
}

// Strategy transforms session history before it is sent to the provider.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, items []provider.SessionItem) ([]provider.SessionItem, error)
}

type noneStrategy struct{}

func (noneStrategy) Name() string { return string(config.MemoryStrategyNone) }

func (noneStrategy) Apply(_ context.Context, items []provider.SessionItem) ([]provider.SessionItem, error) {
	return items, nil
}

type windowStrategy struct {
	n int
}

func (s windowStrategy) Name() string { return string(config.MemoryStrategyWindow) }

func (s windowStrategy) Apply(_ context.Context, items []provider.SessionItem) ([]provider.SessionItem, error) {
	if len(items) <= s.n {
		return items, nil
	}
	return items[len(items)-s.n:], nil
}

// summarizeStrategy compacts history once it exceeds the threshold: older
// items are replaced with a synthetic summary item, the most recent ones are
// kept verbatim.
type summarizeStrategy struct {
	threshold    int
	keepRecent   int
	summarize    Summarizer
	persist      SummaryPersister
	onCompaction func(context.Context, CompactionEvent)
}

func (s *summarizeStrategy) Name() string { return string(config.MemoryStrategySummarize) }

func (s *summarizeStrategy) Apply(ctx context.Context, items []provider.SessionItem) ([]provider.SessionItem, error) {
	if len(items) <= s.threshold {
		return items, nil
	}

	keep := s.keepRecent
	if keep < 1 {
		keep = 1
	}
	if keep >= len(items) {
		return items, nil
	}
	compacted := items[:len(items)-keep]
	kept := items[len(items)-keep:]

	summary, err := s.summarize(ctx, compacted)
	if err != nil {
		// Compaction is an optimization; an oversized history beats a
		// failed run.
		slog.Warn("History summarization failed, sending uncompacted history", "error", err)
		return items, nil
	}

	version := 0
	if s.persist != nil {
		version, err = s.persist(ctx, summary)
		if err != nil {
			slog.Warn("Summary persistence failed", "error", err)
		}
	}

	out := make([]provider.SessionItem, 0, len(kept)+1)
	out = append(out, provider.SessionItem{
		Role:    "system",
		Content: summaryPreamble + summary.Text,
		Kind:    provider.SummaryItemKind,
	})
	out = append(out, kept...)

	if s.onCompaction != nil {
		s.onCompaction(ctx, CompactionEvent{
			CompactedCount: len(compacted),
			KeptCount:      len(kept),
			SummaryModel:   summary.Model,
			SummaryVersion: version,
			SummaryTokens:  summary.Tokens,
		})
	}
	return out, nil
}

// StrategyDeps carries collaborators for strategies that need them.
type StrategyDeps struct {
	Summarizer   Summarizer
	Persist      SummaryPersister
	OnCompaction func(context.Context, CompactionEvent)
}

// BuildStrategy constructs the memory strategy selected by the agent config.
func BuildStrategy(agent *config.AgentConfig, deps StrategyDeps) (Strategy, error) {
	switch agent.MemoryStrategy {
	case "", config.MemoryStrategyNone:
		return noneStrategy{}, nil
	case config.MemoryStrategyWindow:
		n := agent.MemoryWindow
		if n <= 0 {
			n = defaultMemoryWindow
		}
		return windowStrategy{n: n}, nil
	case config.MemoryStrategySummarize:
		if deps.Summarizer == nil {
			return nil, errors.New("summarize strategy requires a summarizer")
		}
		threshold := agent.SummarizeThreshold
		if threshold <= 0 {
			threshold = defaultSummarizeThreshold
		}
		return &summarizeStrategy{
			threshold:    threshold,
			keepRecent:   threshold / 2,
			summarize:    deps.Summarizer,
			persist:      deps.Persist,
			onCompaction: deps.OnCompaction,
		}, nil
	default:
		return nil, fmt.Errorf("unknown memory strategy %q", agent.MemoryStrategy)
	}
}
