package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("ARION_TEST_HOST", "db.internal")
	t.Setenv("ARION_TEST_PORT", "5432")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single variable",
			input:    "host: {{.ARION_TEST_HOST}}",
			expected: "host: db.internal",
		},
		{
			name:     "multiple variables on one line",
			input:    "addr: {{.ARION_TEST_HOST}}:{{.ARION_TEST_PORT}}",
			expected: "addr: db.internal:5432",
		},
		{
			name:     "missing variable expands to empty",
			input:    "secret: {{.ARION_TEST_DOES_NOT_EXIST}}",
			expected: "secret: ",
		},
		{
			name:     "no template syntax passes through",
			input:    "plain: value",
			expected: "plain: value",
		},
		{
			name:     "dollar signs untouched",
			input:    `pattern: "^secret.*$"`,
			expected: `pattern: "^secret.*$"`,
		},
		{
			name:     "shell style variables untouched",
			input:    "path: $PATH and ${HOME}",
			expected: "path: $PATH and ${HOME}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestExpandEnvMalformedTemplate(t *testing.T) {
	// Unclosed action is a template parse error; content must pass through
	// so the YAML parser produces the real diagnostic.
	input := []byte("bad: {{.UNCLOSED")
	assert.Equal(t, input, ExpandEnv(input))
}

func TestExpandEnvValueWithEquals(t *testing.T) {
	t.Setenv("ARION_TEST_DSN", "postgres://u:p@h/db?sslmode=disable&x=1")

	result := ExpandEnv([]byte("dsn: {{.ARION_TEST_DSN}}"))
	assert.Equal(t, "dsn: postgres://u:p@h/db?sslmode=disable&x=1", string(result))
}
