package guardrails

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arion-ai/arion/pkg/config"
)

// resolvedEntry is one guardrail selected into a pipeline, with its merged
// config and bundle options applied.
type resolvedEntry struct {
	key        string
	spec       *config.GuardrailSpecConfig
	cfg        map[string]any
	suppressed bool
}

// Resolve builds an executable pipeline from a preset plus override bundles.
// The preset's bundles apply first, then the overrides in order; attaching a
// key again replaces its config in place, a disabled attachment removes it.
// Unknown spec keys, config schema violations, and uncompilable patterns are
// fatal here so runs never start with a broken pipeline.
func (r *Registry) Resolve(presetName string, overrides []config.GuardrailBundleConfig) (*Pipeline, error) {
	var bundles []config.GuardrailBundleConfig
	if presetName != "" {
		preset, err := r.presets.Get(presetName)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, preset.Bundles...)
	}
	bundles = append(bundles, overrides...)

	var order []string
	entries := make(map[string]*resolvedEntry)
	concurrency := 0

	for _, bundle := range bundles {
		contributed := false
		for _, att := range bundle.Guardrails {
			if att.Disabled {
				if _, ok := entries[att.Spec]; ok {
					delete(entries, att.Spec)
					order = deleteKey(order, att.Spec)
				}
				continue
			}

			spec, err := r.specs.Get(att.Spec)
			if err != nil {
				return nil, err
			}

			cfg := make(map[string]any, len(spec.DefaultConfig)+len(att.Config))
			maps.Copy(cfg, spec.DefaultConfig)
			maps.Copy(cfg, att.Config)

			if existing, ok := entries[att.Spec]; ok {
				existing.cfg = cfg
				existing.suppressed = bundle.SuppressTripwire
			} else {
				entries[att.Spec] = &resolvedEntry{
					key:        att.Spec,
					spec:       spec,
					cfg:        cfg,
					suppressed: bundle.SuppressTripwire,
				}
				order = append(order, att.Spec)
			}
			contributed = true
		}

		// The most restrictive concurrency among contributing bundles
		// bounds the whole pipeline. Zero means unbounded.
		if contributed && bundle.Concurrency > 0 {
			if concurrency == 0 || bundle.Concurrency < concurrency {
				concurrency = bundle.Concurrency
			}
		}
	}

	pipeline := &Pipeline{
		stages:      make(map[config.GuardrailStage][]boundCheck),
		concurrency: concurrency,
	}
	for _, key := range order {
		entry := entries[key]

		if err := validateCheckConfig(key, entry.cfg, entry.spec.ConfigSchema); err != nil {
			return nil, err
		}

		builder, ok := r.checks[entry.spec.Check]
		if !ok {
			return nil, fmt.Errorf("guardrail %s references unregistered check %q", key, entry.spec.Check)
		}
		run, err := builder(entry.cfg)
		if err != nil {
			return nil, fmt.Errorf("guardrail %s: %w", key, err)
		}

		pipeline.stages[entry.spec.Stage] = append(pipeline.stages[entry.spec.Stage], boundCheck{
			key:        key,
			stage:      entry.spec.Stage,
			suppressed: entry.suppressed,
			run:        run,
		})
	}
	return pipeline, nil
}

// validateCheckConfig checks a merged config against the spec's JSON schema.
// Both sides round-trip through JSON so YAML-typed values (int, []any)
// normalize to what the validator expects.
func validateCheckConfig(key string, cfg, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	schemaDoc, err := jsonRoundTrip(schema)
	if err != nil {
		return fmt.Errorf("guardrail %s schema: %w", key, err)
	}
	instance, err := jsonRoundTrip(cfg)
	if err != nil {
		return fmt.Errorf("guardrail %s config: %w", key, err)
	}

	c := jsonschema.NewCompiler()
	resource := key + ".json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return fmt.Errorf("guardrail %s schema: %w", key, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("guardrail %s schema: %w", key, err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("guardrail %s config invalid: %w", key, err)
	}
	return nil
}

func jsonRoundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deleteKey(order []string, key string) []string {
	out := order[:0]
	for _, k := range order {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
