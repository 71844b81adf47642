package dto

import (
	"regexp"

	"github.com/agentrunner/runner/internal/runnerenv"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CreateTaskReq is the POST /tasks request body.
type CreateTaskReq struct {
	TaskID         string            `json:"task_id"`
	RepoURL        string            `json:"repo_url"`
	Branch         string            `json:"branch"`
	BaseBranch     string            `json:"base_branch"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	RiskTier       string            `json:"risk_tier"`
	Complexity     string            `json:"complexity"`
	Engine         string            `json:"engine"`
	Model          string            `json:"model"`
	MaxTurns       int               `json:"max_turns"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	EnvVars        map[string]string `json:"env_vars"`
	Constitution   string            `json:"constitution"`
	CallbackURL    string            `json:"callback_url"`
	MaxCostUSD     float64           `json:"max_cost_usd"`
	SandboxMode    bool              `json:"sandbox_mode"`
	SandboxImage   string            `json:"sandbox_image"`
}

func (r *CreateTaskReq) Path() map[string]*string { return nil }

// Validate enforces the boundary rules from the external interface:
// required fields, task_id charset, and defaulting of invalid
// risk_tier/complexity to their medium/standard values (defaulting
// happens in the handler after Validate succeeds, matching how the
// original request pipeline clamps rather than rejects those two).
func (r *CreateTaskReq) Validate() error {
	if r.TaskID == "" {
		return UnprocessableEntity("task_id is required")
	}
	if !taskIDPattern.MatchString(r.TaskID) {
		return UnprocessableEntity("task_id must match [A-Za-z0-9_-]+")
	}
	if r.RepoURL == "" {
		return UnprocessableEntity("repo_url is required")
	}
	if r.Description == "" {
		return UnprocessableEntity("description is required")
	}
	return nil
}

// NormalizeDefaults clamps optional fields to their spec-mandated
// defaults. Called after Validate, never before.
func (r *CreateTaskReq) NormalizeDefaults() {
	if r.BaseBranch == "" {
		r.BaseBranch = "main"
	}
	if r.Branch == "" {
		r.Branch = "agent/" + r.TaskID
	}
	switch r.RiskTier {
	case "high", "medium", "low":
	default:
		r.RiskTier = "medium"
	}
	switch r.Complexity {
	case "high", "standard":
	default:
		r.Complexity = "standard"
	}
	if r.MaxTurns <= 0 {
		r.MaxTurns = 40
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = 3600
	}
	if r.SandboxImage == "" {
		r.SandboxImage = runnerenv.Get(runnerenv.SandboxImage, runnerenv.DefaultSandboxImage)
	}
}

// TaskResp is the GET /tasks/{id} response body.
type TaskResp struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	Engine       string   `json:"engine,omitempty"`
	Model        string   `json:"model,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	CostUSD      float64  `json:"cost_usd,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	StdoutTail   string   `json:"stdout_tail,omitempty"`
	StderrTail   string   `json:"stderr_tail,omitempty"`
}

// HealthResp is the GET /health response body.
type HealthResp struct {
	Status      string `json:"status"`
	ActiveTasks int    `json:"active_tasks"`
	Version     string `json:"version"`
}

// VersionResp is the GET /version response body (additive, operational).
type VersionResp struct {
	Version string   `json:"version"`
	Engines []string `json:"engines"`
}

// TaskIDParam carries a path-templated task_id, populated by the
// generic handler's reflection-based path-param filler.
type TaskIDParam struct {
	TaskID string `path:"task_id"`
}

func (TaskIDParam) Validate() error { return nil }
