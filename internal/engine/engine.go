// Package engine defines the pluggable adapter interface that wraps a
// coding-agent CLI (or, for the polyglot fallback, an in-process LLM
// provider) and the registry used to select one for a task.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentrunner/runner/internal/runnerenv"
	"github.com/agentrunner/runner/internal/task"
)

// Engine runs a single task to completion and reports a Result.
type Engine interface {
	Name() string
	SupportedModels() []string // ["*"] denotes a wildcard/universal engine
	Run(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error)
}

// modelAffinity maps a model name prefix to the engine that should
// handle it absent an explicit override.
var modelAffinity = []struct {
	prefix string
	engine string
}{
	{"claude-", "claude-code"},
	{"gpt-", "codex"},
	{"o1", "codex"},
	{"o3", "codex"},
	{"gemini-", "gemini-cli"},
}

// Registry holds the set of known engines and implements selection.
type Registry struct {
	engines  map[string]Engine
	fallback string
}

// NewRegistry builds a registry from engines, keyed by Name(). fallback
// names the universal engine used when no other signal applies.
func NewRegistry(fallback string, engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines)), fallback: fallback}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Get returns the named engine or an error listing the available ones.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		names := r.Names()
		return nil, fmt.Errorf("engine: unknown engine %q (available: %s)", name, strings.Join(names, ", "))
	}
	return e, nil
}

// Names returns the sorted list of registered engine names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select picks an engine for (model, preferredEngine):
//  1. an explicit preferredEngine, or the RUNNER_ENGINE env override
//  2. the engine whose model-prefix affinity matches model
//  3. the registry's universal fallback
func (r *Registry) Select(model, preferredEngine string) (Engine, error) {
	if preferredEngine == "" {
		preferredEngine = runnerenv.Get(runnerenv.Engine, "")
	}
	if preferredEngine != "" {
		return r.Get(preferredEngine)
	}

	for _, aff := range modelAffinity {
		if strings.HasPrefix(model, aff.prefix) {
			if e, ok := r.engines[aff.engine]; ok {
				return e, nil
			}
		}
	}

	return r.Get(r.fallback)
}
