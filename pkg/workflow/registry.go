package workflow

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arion-ai/arion/pkg/config"
)

// handoffCapability marks agents whose descriptors declare mid-run handoffs.
const handoffCapability = "handoff"

// compiledSchemas holds the output schemas a validated workflow will enforce,
// keyed by "<workflow>" for the final output and "<workflow>/<step>" for
// step-level schemas.
type compiledSchemas map[string]*jsonschema.Schema

// validateWorkflows checks every declared workflow against the agent registry
// and the function registrations, and compiles its output schemas. The engine
// refuses to start on the first invalid workflow; runs never see resolution
// errors.
func validateWorkflows(cfg *config.Config, funcs *Funcs) (compiledSchemas, error) {
	schemas := make(compiledSchemas)
	defaults := 0

	for key, wf := range cfg.WorkflowRegistry.GetAll() {
		if wf.Default {
			defaults++
		}
		seen := make(map[string]bool)
		for _, stage := range wf.Stages {
			if stage.Mode != "" && !stage.Mode.IsValid() {
				return nil, fmt.Errorf("workflow %s stage %s: invalid mode %q", key, stage.Name, stage.Mode)
			}
			if _, err := funcs.Reducer(stage.Reducer); err != nil {
				return nil, fmt.Errorf("workflow %s stage %s: %w", key, stage.Name, err)
			}
			for _, step := range stage.Steps {
				name := step.Name
				if name == "" {
					name = step.AgentKey
				}
				if seen[name] {
					return nil, fmt.Errorf("workflow %s: duplicate step name %q", key, name)
				}
				seen[name] = true

				agent, err := cfg.GetAgent(step.AgentKey)
				if err != nil {
					return nil, fmt.Errorf("workflow %s step %s: unknown agent %q", key, name, step.AgentKey)
				}
				if slices.Contains(agent.Capabilities, handoffCapability) &&
					!slices.Contains(wf.AllowHandoffAgents, step.AgentKey) {
					return nil, fmt.Errorf("workflow %s step %s: agent %q declares handoffs but is not in allow_handoff_agents",
						key, name, step.AgentKey)
				}
				if _, err := funcs.Guard(step.Guard); err != nil {
					return nil, fmt.Errorf("workflow %s step %s: %w", key, name, err)
				}
				if _, err := funcs.Mapper(step.InputMapper); err != nil {
					return nil, fmt.Errorf("workflow %s step %s: %w", key, name, err)
				}
				if len(step.OutputSchema) > 0 {
					compiled, err := compileSchema(key+"/"+name, step.OutputSchema)
					if err != nil {
						return nil, err
					}
					schemas[key+"/"+name] = compiled
				}
			}
		}
		if len(wf.OutputSchema) > 0 {
			compiled, err := compileSchema(key, wf.OutputSchema)
			if err != nil {
				return nil, err
			}
			schemas[key] = compiled
		}
	}

	if defaults > 1 {
		return nil, fmt.Errorf("multiple workflows marked default")
	}
	return schemas, nil
}

// jsonRoundTrip normalizes YAML-typed values into what the validator expects.
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

// compileSchema compiles one output schema, round-tripping through JSON so
// YAML-typed values normalize.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := jsonRoundTrip(schema)
	if err != nil {
		return nil, fmt.Errorf("workflow schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("workflow schema %s: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("workflow schema %s: %w", name, err)
	}
	return compiled, nil
}
