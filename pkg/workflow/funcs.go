// Package workflow executes declared multi-stage workflows: sequential and
// parallel stages of agent steps wired together by registered guard, input
// mapper, and reducer functions.
package workflow

import (
	"fmt"
	"strings"

	"github.com/arion-ai/arion/pkg/models"
)

// StepOutcome is what one executed step exposes to later guards, mappers,
// and reducers.
type StepOutcome struct {
	StageName  string
	StepName   string
	AgentKey   string
	Status     models.StepStatus
	Output     string
	Structured map[string]any
}

// FuncInput is the context passed to guard and mapper functions.
type FuncInput struct {
	// RequestMessage is the original workflow request.
	RequestMessage string
	// Current is the output flowing into this step: the previous step's
	// output in a sequential stage, the prior stage's result otherwise.
	Current string
	// Prior holds every completed step outcome so far, in record order.
	Prior []StepOutcome
}

// GuardFunc decides whether a step runs. False skips the step.
type GuardFunc func(in FuncInput) bool

// MapperFunc derives the step's input message.
type MapperFunc func(in FuncInput) string

// ReducerFunc folds a parallel stage's branch outputs (branch order, skipped
// branches excluded) into the stage result.
type ReducerFunc func(outputs []string, in FuncInput) string

// Funcs is the registration map for workflow functions. Workflows reference
// guards, mappers, and reducers by name; unresolvable names fail engine
// construction, not run execution.
type Funcs struct {
	guards   map[string]GuardFunc
	mappers  map[string]MapperFunc
	reducers map[string]ReducerFunc
}

// NewFuncs returns a registry preloaded with the builtin functions.
func NewFuncs() *Funcs {
	f := &Funcs{
		guards:   make(map[string]GuardFunc),
		mappers:  make(map[string]MapperFunc),
		reducers: make(map[string]ReducerFunc),
	}

	f.RegisterGuard("always", func(FuncInput) bool { return true })
	f.RegisterGuard("non_empty", func(in FuncInput) bool {
		return strings.TrimSpace(in.Current) != ""
	})

	f.RegisterMapper("passthrough", func(in FuncInput) string {
		if in.Current != "" {
			return in.Current
		}
		return in.RequestMessage
	})
	f.RegisterMapper("original_message", func(in FuncInput) string {
		return in.RequestMessage
	})
	f.RegisterMapper("with_context", func(in FuncInput) string {
		if in.Current == "" {
			return in.RequestMessage
		}
		return in.RequestMessage + "\n\nContext from previous steps:\n" + in.Current
	})

	f.RegisterReducer("concat", func(outputs []string, _ FuncInput) string {
		return strings.Join(outputs, "\n\n")
	})
	f.RegisterReducer("first_non_empty", func(outputs []string, _ FuncInput) string {
		for _, out := range outputs {
			if strings.TrimSpace(out) != "" {
				return out
			}
		}
		return ""
	})
	f.RegisterReducer("last", func(outputs []string, _ FuncInput) string {
		if len(outputs) == 0 {
			return ""
		}
		return outputs[len(outputs)-1]
	})

	return f
}

// RegisterGuard adds or replaces a guard function.
func (f *Funcs) RegisterGuard(name string, fn GuardFunc) {
	f.guards[name] = fn
}

// RegisterMapper adds or replaces an input mapper function.
func (f *Funcs) RegisterMapper(name string, fn MapperFunc) {
	f.mappers[name] = fn
}

// RegisterReducer adds or replaces a reducer function.
func (f *Funcs) RegisterReducer(name string, fn ReducerFunc) {
	f.reducers[name] = fn
}

// Guard resolves a guard by name. Empty means always run.
func (f *Funcs) Guard(name string) (GuardFunc, error) {
	if name == "" {
		return f.guards["always"], nil
	}
	fn, ok := f.guards[name]
	if !ok {
		return nil, fmt.Errorf("unknown guard %q", name)
	}
	return fn, nil
}

// Mapper resolves a mapper by name. Empty means passthrough.
func (f *Funcs) Mapper(name string) (MapperFunc, error) {
	if name == "" {
		return f.mappers["passthrough"], nil
	}
	fn, ok := f.mappers[name]
	if !ok {
		return nil, fmt.Errorf("unknown input mapper %q", name)
	}
	return fn, nil
}

// Reducer resolves a reducer by name. Empty means concat.
func (f *Funcs) Reducer(name string) (ReducerFunc, error) {
	if name == "" {
		return f.reducers["concat"], nil
	}
	fn, ok := f.reducers[name]
	if !ok {
		return nil, fmt.Errorf("unknown reducer %q", name)
	}
	return fn, nil
}
