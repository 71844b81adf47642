package engine

import (
	"github.com/agentrunner/runner/internal/sandbox"
	"github.com/agentrunner/runner/internal/subprocexec"
	"github.com/agentrunner/runner/internal/task"
)

// buildCommand returns args unchanged unless the task requests sandbox
// mode, in which case it is wrapped in a "docker run" command vector
// that bind-mounts the workspace, disables networking, caps CPU/memory,
// and forwards envVars explicitly via -e flags rather than inheritance.
// envVars should already be narrowed to what the engine needs (see
// requiredEnv) — the host-only WORKSPACE_DIR is passed separately since
// it names the bind-mount source, not a variable inside the container.
func buildCommand(t *task.Task, args []string, envVars map[string]string) []string {
	if !t.SandboxMode {
		return args
	}
	image := t.SandboxImage
	if image == "" {
		image = "agentrunner/sandbox:python"
	}
	cfg := sandbox.DefaultConfig(image)
	return sandbox.BuildDockerCmd(cfg, args, t.EnvVars["WORKSPACE_DIR"], envVars)
}

// requiredEnv returns the subset of t.EnvVars matching keys, the only
// environment an adapter forwards to its subprocess — provider API
// keys and base-URL overrides, never the whole task env_vars map.
func requiredEnv(t *task.Task, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := t.EnvVars[k]; ok {
			out[k] = v
		}
	}
	return out
}

// baseResult builds the portion of a task.Result derivable purely from
// the subprocess outcome, before an adapter fills in cost/turns from
// its own wire format.
func baseResult(t *task.Task, engineName string, res subprocexec.Result) task.Result {
	status := "success"
	switch {
	case res.Cancelled:
		status = "cancelled"
	case res.TimedOut:
		status = "timeout"
	case res.ReturnCode != 0:
		status = "failure"
	}

	return task.Result{
		TaskID:       t.ID,
		Status:       status,
		Engine:       engineName,
		Model:        t.Model,
		DurationMs:   res.DurationMs,
		ErrorMessage: errorMessage(status, res),
		StdoutTail:   subprocexec.Tail(res.Stdout, subprocexec.OutputTailLimit),
		StderrTail:   subprocexec.Tail(res.Stderr, subprocexec.OutputTailLimit),
	}
}

func errorMessage(status string, res subprocexec.Result) string {
	if status == "success" {
		return ""
	}
	if res.Stderr != "" {
		return subprocexec.Tail(res.Stderr, subprocexec.OutputTailLimit)
	}
	return status
}
