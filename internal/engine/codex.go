package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/agentrunner/runner/internal/subprocexec"
	"github.com/agentrunner/runner/internal/task"
)

// codexRecord is one line of `codex exec --json` output. The real
// protocol is JSON-RPC 2.0 shaped; the runner only reads the
// turn-completed usage summary, keeping everything else in Overflow.
type codexRecord struct {
	Type  string `json:"type"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Overflow Overflow
}

var codexKnown = knownSet("type", "usage")

func (r *codexRecord) UnmarshalJSON(data []byte) error {
	type alias codexRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = codexRecord(a)
	r.Overflow = CollectUnknown(raw, codexKnown)
	return nil
}

// CodexAdapter wraps `codex exec --json` as a one-shot subprocess.
type CodexAdapter struct {
	// PricePerMillionTokens maps a model name to (input, output) USD
	// price per million tokens, used to derive cost from token usage
	// since codex exec does not report cost_usd directly.
	PricePerMillionTokens map[string][2]float64
}

func (CodexAdapter) Name() string             { return "codex" }
func (CodexAdapter) SupportedModels() []string { return []string{"gpt-", "o1", "o3"} }

func (a CodexAdapter) Run(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error) {
	if t.EnvVars["WORKSPACE_DIR"] == "" {
		return task.Result{TaskID: t.ID, Status: "failure", Engine: a.Name(), Model: t.Model,
			ErrorMessage: "codex: task has no workspace path"}, nil
	}

	args := []string{"codex", "exec", "--json", t.Description}
	if t.Model != "" {
		args = append(args, "--model", t.Model)
	}
	env := requiredEnv(t, "OPENAI_API_KEY", "OPENAI_BASE_URL")
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
	inTok, outTok, turns := parseCodexStream(res.Stdout)
	out.NumTurns = turns
	out.CostUSD = a.cost(t.Model, inTok, outTok)
	return out, nil
}

func parseCodexStream(stdout string) (inputTokens, outputTokens, turns int) {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec codexRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		rec.Overflow.Warn(nil, "codex")
		switch rec.Type {
		case "turn.completed":
			turns++
			inputTokens += rec.Usage.InputTokens
			outputTokens += rec.Usage.OutputTokens
		}
	}
	return inputTokens, outputTokens, turns
}

func (a CodexAdapter) cost(model string, inputTokens, outputTokens int) float64 {
	prices, ok := a.PricePerMillionTokens[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*prices[0] + float64(outputTokens)/1e6*prices[1]
}
