package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"
)

const defaultReplacement = "[REDACTED]"

// buildMaxLength rejects content above a character budget.
// Config: max_chars (required, > 0).
func buildMaxLength(cfg map[string]any) (CheckFunc, error) {
	max, ok := intValue(cfg["max_chars"])
	if !ok || max <= 0 {
		return nil, fmt.Errorf("max_length requires a positive max_chars, got %v", cfg["max_chars"])
	}

	return func(_ context.Context, content string) (CheckResult, error) {
		n := utf8.RuneCountInString(content)
		if n <= max {
			return CheckResult{}, nil
		}
		return CheckResult{
			TripwireTriggered: true,
			Confidence:        1.0,
			Info: map[string]any{
				"length":    n,
				"max_chars": max,
			},
		}, nil
	}, nil
}

// buildRegexBlock trips when any pattern matches the content.
// Config: patterns (list of regexes), case_insensitive (optional bool).
func buildRegexBlock(cfg map[string]any) (CheckFunc, error) {
	patterns, err := stringSlice(cfg["patterns"])
	if err != nil {
		return nil, fmt.Errorf("regex_block patterns: %w", err)
	}
	caseInsensitive, _ := cfg["case_insensitive"].(bool)

	compiled, err := compilePatterns(patterns, caseInsensitive)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, content string) (CheckResult, error) {
		for _, re := range compiled {
			if re.MatchString(content) {
				// Info carries the pattern, never the matched text,
				// so tripwire records stay free of the content they
				// flagged.
				return CheckResult{
					TripwireTriggered: true,
					Confidence:        1.0,
					Info: map[string]any{
						"pattern": re.String(),
					},
				}, nil
			}
		}
		return CheckResult{}, nil
	}, nil
}

// buildRegexRedact replaces every pattern match with the replacement string.
// Patterns apply in order over the already-redacted text.
// Config: patterns (list of regexes), replacement (optional, default
// "[REDACTED]").
func buildRegexRedact(cfg map[string]any) (CheckFunc, error) {
	patterns, err := stringSlice(cfg["patterns"])
	if err != nil {
		return nil, fmt.Errorf("regex_redact patterns: %w", err)
	}
	replacement := defaultReplacement
	if r, ok := cfg["replacement"].(string); ok && r != "" {
		replacement = r
	}

	compiled, err := compilePatterns(patterns, false)
	if err != nil {
		return nil, err
	}

	return func(_ context.Context, content string) (CheckResult, error) {
		redacted := content
		matches := 0
		for _, re := range compiled {
			matches += len(re.FindAllStringIndex(redacted, -1))
			redacted = re.ReplaceAllString(redacted, replacement)
		}
		if matches == 0 {
			return CheckResult{}, nil
		}
		return CheckResult{
			TripwireTriggered: true,
			Confidence:        1.0,
			Redacted:          &redacted,
			Info: map[string]any{
				"matches": matches,
			},
		}, nil
	}, nil
}

func compilePatterns(patterns []string, caseInsensitive bool) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if caseInsensitive {
			p = "(?i)" + p
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// intValue coerces YAML/JSON numerics. YAML decodes integers as int,
// JSON as float64.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]string); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("entry %d is %T, not a string", i, item)
		}
		out = append(out, s)
	}
	return out, nil
}
