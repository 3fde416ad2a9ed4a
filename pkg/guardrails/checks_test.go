package guardrails

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxLengthCheck(t *testing.T) {
	check, err := buildMaxLength(map[string]any{"max_chars": 5})
	require.NoError(t, err)

	res, err := check(context.Background(), "hello")
	require.NoError(t, err)
	assert.False(t, res.TripwireTriggered)

	res, err = check(context.Background(), "hello!")
	require.NoError(t, err)
	assert.True(t, res.TripwireTriggered)
	assert.Equal(t, 6, res.Info["length"])
	assert.Equal(t, 5, res.Info["max_chars"])
}

func TestMaxLengthCheck_CountsRunesNotBytes(t *testing.T) {
	check, err := buildMaxLength(map[string]any{"max_chars": 5})
	require.NoError(t, err)

	// 5 runes, 7 bytes.
	res, err := check(context.Background(), "héllö")
	require.NoError(t, err)
	assert.False(t, res.TripwireTriggered)
}

func TestMaxLengthCheck_InvalidConfig(t *testing.T) {
	for name, cfg := range map[string]map[string]any{
		"missing":  {},
		"zero":     {"max_chars": 0},
		"negative": {"max_chars": -3},
		"string":   {"max_chars": "lots"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := buildMaxLength(cfg)
			assert.Error(t, err)
		})
	}
}

func TestRegexBlockCheck(t *testing.T) {
	check, err := buildRegexBlock(map[string]any{
		"patterns":         []any{`badword`},
		"case_insensitive": true,
	})
	require.NoError(t, err)

	res, err := check(context.Background(), "a perfectly fine message")
	require.NoError(t, err)
	assert.False(t, res.TripwireTriggered)

	res, err = check(context.Background(), "this contains BADWORD somewhere")
	require.NoError(t, err)
	assert.True(t, res.TripwireTriggered)
	assert.Equal(t, "(?i)badword", res.Info["pattern"])
	assert.Nil(t, res.Redacted)
}

func TestRegexBlockCheck_InvalidPattern(t *testing.T) {
	_, err := buildRegexBlock(map[string]any{"patterns": []any{`[`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestRegexBlockCheck_RejectsNonStringPatterns(t *testing.T) {
	_, err := buildRegexBlock(map[string]any{"patterns": []any{42}})
	require.Error(t, err)

	_, err = buildRegexBlock(map[string]any{"patterns": "not-a-list"})
	require.Error(t, err)
}

func TestRegexRedactCheck(t *testing.T) {
	check, err := buildRegexRedact(map[string]any{
		"patterns": []any{`\b[\w.]+@[\w.]+\.\w+\b`},
	})
	require.NoError(t, err)

	res, err := check(context.Background(), "no addresses here")
	require.NoError(t, err)
	assert.False(t, res.TripwireTriggered)
	assert.Nil(t, res.Redacted)

	res, err = check(context.Background(), "contact alice@example.com or bob@example.com")
	require.NoError(t, err)
	assert.True(t, res.TripwireTriggered)
	require.NotNil(t, res.Redacted)
	assert.Equal(t, "contact [REDACTED] or [REDACTED]", *res.Redacted)
	assert.Equal(t, 2, res.Info["matches"])
}

func TestRegexRedactCheck_CustomReplacement(t *testing.T) {
	check, err := buildRegexRedact(map[string]any{
		"patterns":    []any{`\d{3}-\d{2}-\d{4}`},
		"replacement": "***",
	})
	require.NoError(t, err)

	res, err := check(context.Background(), "ssn 123-45-6789")
	require.NoError(t, err)
	require.NotNil(t, res.Redacted)
	assert.Equal(t, "ssn ***", *res.Redacted)
}

func TestRegexRedactCheck_PatternsApplyInOrder(t *testing.T) {
	check, err := buildRegexRedact(map[string]any{
		"patterns":    []any{`secret=\w+`, `\bkey\b`},
		"replacement": "[X]",
	})
	require.NoError(t, err)

	res, err := check(context.Background(), "secret=abc and the key itself")
	require.NoError(t, err)
	require.NotNil(t, res.Redacted)
	assert.Equal(t, "[X] and the [X] itself", *res.Redacted)
	assert.Equal(t, 2, res.Info["matches"])
}
