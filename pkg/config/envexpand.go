package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}). Plain $ is never touched, so regex patterns in
// guardrail configs and literal $ in secrets survive expansion.
//
// Missing variables expand to empty string; validation catches required
// fields that end up empty. Malformed template syntax passes the content
// through unchanged so the YAML parser can produce a clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, environMap()); err != nil {
		return data
	}
	return buf.Bytes()
}

// environMap snapshots the process environment as a template data map.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		// Split on the first = only; values may contain = themselves.
		if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
			env[key] = value
		}
	}
	return env
}
