package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrunner/runner/internal/audit"
	"github.com/agentrunner/runner/internal/breaker"
	"github.com/agentrunner/runner/internal/engine"
	"github.com/agentrunner/runner/internal/executor"
	"github.com/agentrunner/runner/internal/ghtoken"
	"github.com/agentrunner/runner/internal/task"
)

// fakeEngine is a controllable engine.Engine used in place of a real
// CLI subprocess; each test configures its behavior via the closure.
type fakeEngine struct {
	name string
	run  func(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error)
}

func (f *fakeEngine) Name() string              { return f.name }
func (f *fakeEngine) SupportedModels() []string { return []string{"*"} }
func (f *fakeEngine) Run(ctx context.Context, t *task.Task, cancel <-chan struct{}) (task.Result, error) {
	return f.run(ctx, t, cancel)
}

func newTestHarness(t *testing.T, eng engine.Engine) (*httptest.Server, *task.Store, *audit.Log, string) {
	t.Helper()
	t.Setenv("RUNNER_WORKSPACE_ROOT", t.TempDir())

	remote := initTestRemote(t, "main")

	store := task.NewStore()
	auditLog := audit.New(slog.Default())
	breakers := breaker.NewRegistry(breaker.DefaultFailureThreshold, breaker.DefaultRecoveryTimeout)
	engines := engine.NewRegistry(eng.Name(), eng)
	exec := executor.New(store, auditLog, breakers, engines, (*ghtoken.Manager)(nil))

	srv := New(store, auditLog, engines, exec)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, auditLog, remote
}

func submitTask(t *testing.T, ts *httptest.Server, body map[string]any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func pollUntilTerminal(t *testing.T, ts *httptest.Server, taskID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/tasks/" + taskID)
		if err != nil {
			t.Fatal(err)
		}
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		switch out["status"] {
		case "complete", "failed", "cancelled", "timed_out":
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %q did not reach a terminal status within %v", taskID, timeout)
	return nil
}

func TestHappyPath(t *testing.T) {
	eng := &fakeEngine{name: "fast", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		repo := tsk.EnvVars["WORKSPACE_DIR"]
		if err := os.WriteFile(filepath.Join(repo, "math_utils.py"), []byte("def add(a,b):\n    return a+b\n"), 0o600); err != nil {
			return task.Result{}, err
		}
		return task.Result{TaskID: tsk.ID, Status: "success", Engine: "fast", Model: tsk.Model, NumTurns: 1, CostUSD: 0.01}, nil
	}}
	ts, _, auditLog, remote := newTestHarness(t, eng)

	resp := submitTask(t, ts, map[string]any{
		"task_id": "s1", "repo_url": remote, "branch": "b1", "base_branch": "main",
		"description": "fix add() to return a+b", "engine": "fast", "model": "fast-cheap",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /tasks status = %d, want 200", resp.StatusCode)
	}

	out := pollUntilTerminal(t, ts, "s1", 5*time.Second)
	if out["status"] != "complete" {
		t.Fatalf("status = %v, want complete", out["status"])
	}
	files, _ := out["files_changed"].([]any)
	if len(files) != 1 || files[0] != "math_utils.py" {
		t.Errorf("files_changed = %v, want [math_utils.py]", out["files_changed"])
	}
	sha, _ := out["commit_sha"].(string)
	if len(sha) != 40 {
		t.Errorf("commit_sha = %q, want 40 hex chars", sha)
	}

	found := false
	for _, ev := range auditLog.Events("s1") {
		if ev.Action == "task.submitted" {
			found = true
		}
	}
	if !found {
		t.Error("audit log missing task.submitted")
	}
}

func TestNoChangeSuccess(t *testing.T) {
	eng := &fakeEngine{name: "fast", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		return task.Result{TaskID: tsk.ID, Status: "success", Engine: "fast"}, nil
	}}
	ts, _, _, remote := newTestHarness(t, eng)

	submitTask(t, ts, map[string]any{
		"task_id": "s2", "repo_url": remote, "branch": "b2", "base_branch": "main",
		"description": "do not change anything", "engine": "fast",
	})

	out := pollUntilTerminal(t, ts, "s2", 5*time.Second)
	if out["status"] != "complete" {
		t.Fatalf("status = %v, want complete", out["status"])
	}
	if _, hasSHA := out["commit_sha"]; hasSHA {
		t.Errorf("commit_sha present on a no-op commit: %v", out["commit_sha"])
	}

	checkRemoteBranch(t, remote, "b2", false)
}

func TestBudgetExceeded(t *testing.T) {
	eng := &fakeEngine{name: "fast", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		return task.Result{TaskID: tsk.ID, Status: "success", Engine: "fast", CostUSD: 5.0}, nil
	}}
	ts, _, auditLog, remote := newTestHarness(t, eng)

	submitTask(t, ts, map[string]any{
		"task_id": "s3", "repo_url": remote, "branch": "b3", "base_branch": "main",
		"description": "cheap task", "engine": "fast", "max_cost_usd": 0.001,
	})

	out := pollUntilTerminal(t, ts, "s3", 5*time.Second)
	if out["status"] != "failed" {
		t.Fatalf("status = %v, want failed", out["status"])
	}
	if msg, _ := out["error_message"].(string); !strings.Contains(strings.ToLower(msg), "budget") {
		t.Errorf("error_message = %q, want it to mention budget", msg)
	}

	found := false
	for _, ev := range auditLog.Events("s3") {
		if ev.Action == "task.budget_exceeded" {
			found = true
		}
	}
	if !found {
		t.Error("audit log missing task.budget_exceeded")
	}
}

func TestCircuitOpen(t *testing.T) {
	var calls int32
	eng := &fakeEngine{name: "flaky", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		atomic.AddInt32(&calls, 1)
		if strings.HasPrefix(tsk.ID, "warmup-") {
			return task.Result{TaskID: tsk.ID, Status: "failure", Engine: "flaky", ErrorMessage: "boom"}, nil
		}
		return task.Result{TaskID: tsk.ID, Status: "success", Engine: "flaky"}, nil
	}}
	ts, _, auditLog, remote := newTestHarness(t, eng)

	// Submit enough failing tasks to trip the breaker open before
	// submitting the task actually under test.
	for i := 0; i < breakerThresholdForTest; i++ {
		taskID := "warmup-" + string(rune('a'+i))
		submitTask(t, ts, map[string]any{
			"task_id": taskID, "repo_url": remote, "branch": "warm-" + string(rune('a'+i)), "base_branch": "main",
			"description": "will fail", "engine": "flaky",
		})
		pollUntilTerminal(t, ts, taskID, 5*time.Second)
	}

	resp := submitTask(t, ts, map[string]any{
		"task_id": "s4", "repo_url": remote, "branch": "b4", "base_branch": "main",
		"description": "should be rejected", "engine": "flaky",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /tasks status = %d, want 200 (submission itself is accepted)", resp.StatusCode)
	}

	out := pollUntilTerminal(t, ts, "s4", 5*time.Second)
	if out["status"] != "failed" {
		t.Fatalf("status = %v, want failed", out["status"])
	}
	if msg, _ := out["error_message"].(string); !strings.Contains(strings.ToLower(msg), "circuit") {
		t.Errorf("error_message = %q, want it to mention circuit", msg)
	}

	found := false
	for _, ev := range auditLog.Events("s4") {
		if ev.Action == "task.circuit_open" {
			found = true
		}
	}
	if !found {
		t.Error("audit log missing task.circuit_open")
	}
	if got := atomic.LoadInt32(&calls); got != breakerThresholdForTest {
		t.Errorf("engine.Run call count = %d, want %d (the breaker-open task must not invoke it)", got, breakerThresholdForTest)
	}
}

// breakerThresholdForTest mirrors breaker.DefaultFailureThreshold; the
// fake engine in TestCircuitOpen fails every warmup task, so this many
// warmup submissions are enough to trip the breaker open.
const breakerThresholdForTest = 5

func TestCancellation(t *testing.T) {
	started := make(chan struct{})
	eng := &fakeEngine{name: "slow", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		close(started)
		select {
		case <-cancel:
			return task.Result{TaskID: tsk.ID, Status: "cancelled", Engine: "slow"}, nil
		case <-time.After(90 * time.Second):
			return task.Result{TaskID: tsk.ID, Status: "success", Engine: "slow"}, nil
		}
	}}
	ts, _, auditLog, remote := newTestHarness(t, eng)

	submitTask(t, ts, map[string]any{
		"task_id": "s5", "repo_url": remote, "branch": "b5", "base_branch": "main",
		"description": "long running", "engine": "slow", "timeout_seconds": 90,
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never started")
	}

	resp, err := http.Post(ts.URL+"/tasks/s5/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST cancel status = %d, want 200", resp.StatusCode)
	}

	out := pollUntilTerminal(t, ts, "s5", 5*time.Second)
	if out["status"] != "cancelled" {
		t.Fatalf("status = %v, want cancelled", out["status"])
	}
	if _, hasSHA := out["commit_sha"]; hasSHA {
		t.Error("commit_sha present on a cancelled task")
	}

	checkRemoteBranch(t, remote, "b5", false)

	found := false
	for _, ev := range auditLog.Events("s5") {
		if ev.Action == "task.cancelled" {
			found = true
		}
	}
	if !found {
		t.Error("audit log missing task.cancelled")
	}
}

func TestHealthAndUnknownTask(t *testing.T) {
	eng := &fakeEngine{name: "fast", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		return task.Result{TaskID: tsk.ID, Status: "success"}, nil
	}}
	ts, _, _, _ := newTestHarness(t, eng)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/tasks/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /tasks/does-not-exist = %d, want 404", resp.StatusCode)
	}
}

func TestDuplicateTaskIDConflicts(t *testing.T) {
	eng := &fakeEngine{name: "fast", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		return task.Result{TaskID: tsk.ID, Status: "success"}, nil
	}}
	ts, _, _, remote := newTestHarness(t, eng)

	body := map[string]any{"task_id": "dup1", "repo_url": remote, "branch": "bdup", "base_branch": "main", "description": "x", "engine": "fast"}
	first := submitTask(t, ts, body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first submit status = %d, want 200", first.StatusCode)
	}
	second := submitTask(t, ts, body)
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second submit with same task_id status = %d, want 409", second.StatusCode)
	}
}

func TestValidationFailureIs422(t *testing.T) {
	eng := &fakeEngine{name: "fast", run: func(ctx context.Context, tsk *task.Task, cancel <-chan struct{}) (task.Result, error) {
		return task.Result{TaskID: tsk.ID, Status: "success"}, nil
	}}
	ts, _, _, _ := newTestHarness(t, eng)

	resp := submitTask(t, ts, map[string]any{"task_id": "v1", "repo_url": "https://x", "description": ""})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty description status = %d, want 422", resp.StatusCode)
	}
}

func checkRemoteBranch(t *testing.T, remote, branch string, wantExists bool) {
	t.Helper()
	cmd := exec.Command("git", "ls-remote", "--heads", remote, branch)
	out, err := cmd.Output()
	if err != nil {
		t.Fatal(err)
	}
	exists := strings.TrimSpace(string(out)) != ""
	if exists != wantExists {
		t.Errorf("remote branch %q exists = %v, want %v", branch, exists, wantExists)
	}
}

func initTestRemote(t *testing.T, baseBranch string) string {
	t.Helper()
	dir := t.TempDir()
	bare := filepath.Join(dir, "remote.git")
	seed := filepath.Join(dir, "seed")

	runGit(t, "", "init", "--bare", bare)
	runGit(t, "", "init", seed)
	runGit(t, seed, "config", "user.name", "Seed")
	runGit(t, seed, "config", "user.email", "seed@test.com")
	runGit(t, seed, "checkout", "-b", baseBranch)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, seed, "add", ".")
	runGit(t, seed, "commit", "-m", "init")
	runGit(t, seed, "remote", "add", "origin", bare)
	runGit(t, seed, "push", "-u", "origin", baseBranch)
	return bare
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}
