package engine

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/agentrunner/runner/internal/subprocexec"
	"github.com/agentrunner/runner/internal/task"
)

// GeminiAdapter wraps the `gemini` CLI. It has no structured JSON
// output mode, so cost is scraped from a trailing "Cost: $X.XX" line.
type GeminiAdapter struct{}

func (GeminiAdapter) Name() string             { return "gemini-cli" }
func (GeminiAdapter) SupportedModels() []string { return []string{"gemini-"} }

var geminiCostRe = regexp.MustCompile(`Cost:\s*\$([0-9.]+)`)

func (a GeminiAdapter) Run(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error) {
	if t.EnvVars["WORKSPACE_DIR"] == "" {
		return task.Result{TaskID: t.ID, Status: "failure", Engine: a.Name(), Model: t.Model,
			ErrorMessage: "gemini-cli: task has no workspace path"}, nil
	}

	args := []string{"gemini", "-p", t.Description}
	if t.Model != "" {
		args = append(args, "--model", t.Model)
	}
	env := requiredEnv(t, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	dir := t.EnvVars["WORKSPACE_DIR"]
	if t.SandboxMode {
		args = buildCommand(t, args, env)
		dir = ""
	}

	res, err := subprocexec.Run(ctx, subprocexec.Options{
		Cmd:         args,
		Dir:         dir,
		EnvOverride: env,
		Timeout:     time.Duration(t.TimeoutSeconds) * time.Second,
		Cancel:      cancel,
	})
	if err != nil {
		return task.Result{}, err
	}

	out := baseResult(t, a.Name(), res)
	if m := geminiCostRe.FindStringSubmatch(res.Stdout); m != nil {
		if cost, err := strconv.ParseFloat(m[1], 64); err == nil {
			out.CostUSD = cost
		}
	}
	out.NumTurns = 1
	return out, nil
}
