package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/config"
	"github.com/arion-ai/arion/pkg/provider"
)

func historyItems(n int) []provider.SessionItem {
	items := make([]provider.SessionItem, 0, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		items = append(items, provider.SessionItem{Role: role, Content: fmt.Sprintf("item-%d", i)})
	}
	return items
}

func TestNoneStrategy(t *testing.T) {
	s, err := BuildStrategy(&config.AgentConfig{}, StrategyDeps{})
	require.NoError(t, err)
	assert.Equal(t, "none", s.Name())

	items := historyItems(5)
	out, err := s.Apply(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, items, out)
}

func TestWindowStrategy(t *testing.T) {
	s, err := BuildStrategy(&config.AgentConfig{
		MemoryStrategy: config.MemoryStrategyWindow,
		MemoryWindow:   3,
	}, StrategyDeps{})
	require.NoError(t, err)
	assert.Equal(t, "window", s.Name())

	short := historyItems(2)
	out, err := s.Apply(context.Background(), short)
	require.NoError(t, err)
	assert.Equal(t, short, out, "below the window nothing is dropped")

	out, err = s.Apply(context.Background(), historyItems(10))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "item-7", out[0].Content)
	assert.Equal(t, "item-9", out[2].Content)
}

func TestSummarizeStrategy_BelowThreshold(t *testing.T) {
	called := false
	s, err := BuildStrategy(&config.AgentConfig{
		MemoryStrategy:     config.MemoryStrategySummarize,
		SummarizeThreshold: 10,
	}, StrategyDeps{
		Summarizer: func(context.Context, []provider.SessionItem) (Summary, error) {
			called = true
			return Summary{}, nil
		},
	})
	require.NoError(t, err)

	items := historyItems(10)
	out, err := s.Apply(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, items, out)
	assert.False(t, called, "no summarization at or below the threshold")
}

func TestSummarizeStrategy_Compacts(t *testing.T) {
	var summarized []provider.SessionItem
	var compactions []CompactionEvent
	persisted := 0

	s, err := BuildStrategy(&config.AgentConfig{
		MemoryStrategy:     config.MemoryStrategySummarize,
		SummarizeThreshold: 6,
	}, StrategyDeps{
		Summarizer: func(_ context.Context, items []provider.SessionItem) (Summary, error) {
			summarized = items
			return Summary{Text: "they discussed items", Model: "gpt-test", Tokens: 12}, nil
		},
		Persist: func(context.Context, Summary) (int, error) {
			persisted++
			return 7, nil
		},
		OnCompaction: func(_ context.Context, ev CompactionEvent) {
			compactions = append(compactions, ev)
		},
	})
	require.NoError(t, err)

	out, err := s.Apply(context.Background(), historyItems(10))
	require.NoError(t, err)

	// threshold 6 keeps the 3 most recent items plus the summary item.
	require.Len(t, out, 4)
	assert.Equal(t, provider.SummaryItemKind, out[0].Kind)
	assert.Equal(t, "system", out[0].Role)
	assert.Contains(t, out[0].Content, "they discussed items")
	assert.Equal(t, "item-7", out[1].Content)
	assert.Equal(t, "item-9", out[3].Content)

	require.Len(t, summarized, 7, "everything before the kept tail is summarized")
	assert.Equal(t, "item-0", summarized[0].Content)
	assert.Equal(t, 1, persisted)

	require.Len(t, compactions, 1)
	assert.Equal(t, 7, compactions[0].CompactedCount)
	assert.Equal(t, 3, compactions[0].KeptCount)
	assert.Equal(t, 7, compactions[0].SummaryVersion)
	assert.Equal(t, "gpt-test", compactions[0].SummaryModel)
	assert.Equal(t, 12, compactions[0].SummaryTokens)
}

func TestSummarizeStrategy_SummarizerFailure(t *testing.T) {
	s, err := BuildStrategy(&config.AgentConfig{
		MemoryStrategy:     config.MemoryStrategySummarize,
		SummarizeThreshold: 4,
	}, StrategyDeps{
		Summarizer: func(context.Context, []provider.SessionItem) (Summary, error) {
			return Summary{}, errors.New("summarizer down")
		},
	})
	require.NoError(t, err)

	items := historyItems(8)
	out, err := s.Apply(context.Background(), items)
	require.NoError(t, err, "summarization failure falls back to uncompacted history")
	assert.Equal(t, items, out)
}

func TestBuildStrategy_Validation(t *testing.T) {
	_, err := BuildStrategy(&config.AgentConfig{MemoryStrategy: config.MemoryStrategySummarize}, StrategyDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarizer")

	_, err = BuildStrategy(&config.AgentConfig{MemoryStrategy: "magic"}, StrategyDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")

	s, err := BuildStrategy(&config.AgentConfig{MemoryStrategy: config.MemoryStrategyWindow}, StrategyDeps{})
	require.NoError(t, err)
	out, err := s.Apply(context.Background(), historyItems(defaultMemoryWindow+10))
	require.NoError(t, err)
	assert.Len(t, out, defaultMemoryWindow, "window defaults apply when unconfigured")
}
