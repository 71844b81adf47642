package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/agentrunner/runner/internal/task"
)

// PolyglotAdapter is the universal fallback engine: instead of
// shelling out to a maintained CLI, it routes the task's instruction
// straight through a maruel/genai provider and returns the model's
// reply as the result's StdoutTail. It does not write the reply to the
// workspace or apply it as a patch. It exists for models that have no
// dedicated CLI wrapper.
type PolyglotAdapter struct {
	// ProviderName selects the genai provider registry entry
	// (providers.All) used for bare model names; a "vendor/model" name
	// always goes to gatewayProvider instead.
	ProviderName string
}

// gatewayProvider is the genai provider that serves "vendor/model"
// names.
const gatewayProvider = "openrouter"

func (PolyglotAdapter) Name() string             { return "polyglot" }
func (PolyglotAdapter) SupportedModels() []string { return []string{"*"} }

const polyglotSystemPrompt = "You are a coding agent. Apply the requested change directly to the repository files and describe what you changed."

func (a PolyglotAdapter) Run(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error) {
	start := time.Now()

	providerName, model := deriveProvider(a.ProviderName, t.Model)
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		return task.Result{}, fmt.Errorf("polyglot: unknown provider %q", providerName)
	}

	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}

	provider, err := cfg.Factory(ctx, opts...)
	if err != nil {
		return task.Result{}, fmt.Errorf("polyglot: init provider %s: %w", providerName, err)
	}

	runCtx := ctx
	if t.TimeoutSeconds > 0 {
		var cancelFn context.CancelFunc
		runCtx, cancelFn = context.WithTimeout(ctx, time.Duration(t.TimeoutSeconds)*time.Second)
		defer cancelFn()
	}

	type genResult struct {
		text string
		err  error
	}
	done := make(chan genResult, 1)
	go func() {
		res, err := provider.GenSync(runCtx,
			genai.Messages{genai.NewTextMessage(t.Description)},
			&genai.GenOptionText{SystemPrompt: polyglotSystemPrompt, MaxTokens: 4096, Temperature: 0.2},
		)
		if err != nil {
			done <- genResult{err: err}
			return
		}
		done <- genResult{text: res.String()}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return task.Result{
				TaskID: t.ID, Status: "failure", Engine: a.Name(), Model: model,
				DurationMs: time.Since(start).Milliseconds(), ErrorMessage: r.err.Error(),
			}, nil
		}
		return task.Result{
			TaskID: t.ID, Status: "success", Engine: a.Name(), Model: model,
			NumTurns: 1, DurationMs: time.Since(start).Milliseconds(), StdoutTail: r.text,
		}, nil
	case <-cancel:
		return task.Result{
			TaskID: t.ID, Status: "cancelled", Engine: a.Name(), Model: model,
			DurationMs: time.Since(start).Milliseconds(), ErrorMessage: "Task was cancelled",
		}, nil
	case <-runCtx.Done():
		return task.Result{
			TaskID: t.ID, Status: "timeout", Engine: a.Name(), Model: model,
			DurationMs: time.Since(start).Milliseconds(), ErrorMessage: "Process killed: timeout exceeded",
		}, nil
	}
}

// deriveProvider implements the §4.F round-trip law: a "vendor/model"
// name always picks the gateway provider, with the full name kept as
// the model; otherwise fall back to the configured default provider
// name.
func deriveProvider(defaultProvider, model string) (provider, modelName string) {
	for i := 0; i < len(model); i++ {
		if model[i] == '/' {
			return gatewayProvider, model
		}
	}
	return defaultProvider, model
}
