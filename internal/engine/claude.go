package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/agentrunner/runner/internal/subprocexec"
	"github.com/agentrunner/runner/internal/task"
)

// claudeRecord is a single NDJSON line from `claude --output-format
// stream-json`. Only the fields the runner needs are declared; every
// other field lands in Overflow and is logged, never dropped silently.
type claudeRecord struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
	Overflow     Overflow
}

var claudeKnown = knownSet("type", "subtype", "num_turns", "total_cost_usd", "is_error")

func (r *claudeRecord) UnmarshalJSON(data []byte) error {
	type alias claudeRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = claudeRecord(a)
	r.Overflow = CollectUnknown(raw, claudeKnown)
	return nil
}

// ClaudeAdapter wraps the `claude` CLI in non-interactive mode.
type ClaudeAdapter struct{}

func (ClaudeAdapter) Name() string             { return "claude-code" }
func (ClaudeAdapter) SupportedModels() []string { return []string{"claude-"} }

func (a ClaudeAdapter) Run(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error) {
	if t.EnvVars["WORKSPACE_DIR"] == "" {
		return task.Result{TaskID: t.ID, Status: "failure", Engine: a.Name(), Model: t.Model,
			ErrorMessage: "claude-code: task has no workspace path"}, nil
	}

	args := []string{"claude", "-p", t.Description, "--max-turns", itoa(t.MaxTurns), "--output-format", "stream-json"}
	if t.Model != "" {
		args = append(args, "--model", t.Model)
	}
	env := requiredEnv(t, "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL")
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
	if cost, turns, ok := parseClaudeStream(res.Stdout); ok {
		out.CostUSD = cost
		out.NumTurns = turns
	}
	return out, nil
}

func parseClaudeStream(stdout string) (cost float64, turns int, ok bool) {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec claudeRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		rec.Overflow.Warn(nil, "claude")
		if rec.Type == "result" {
			cost, turns, ok = rec.TotalCostUSD, rec.NumTurns, true
		}
	}
	return cost, turns, ok
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
