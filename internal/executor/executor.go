// Package executor drives a single task through the full pipeline:
// workspace preparation, engine selection under the circuit breaker,
// subprocess execution, budget accounting, commit/push, and audit
// recording. It is the component the watchdog observes and the HTTP
// surface launches in the background.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrunner/runner/internal/audit"
	"github.com/agentrunner/runner/internal/breaker"
	"github.com/agentrunner/runner/internal/budget"
	"github.com/agentrunner/runner/internal/engine"
	"github.com/agentrunner/runner/internal/ghtoken"
	"github.com/agentrunner/runner/internal/task"
	"github.com/agentrunner/runner/internal/workspace"
)

// Executor owns the shared registries the pipeline consults for every task.
type Executor struct {
	Store     *task.Store
	AuditLog  *audit.Log
	Breakers  *breaker.Registry
	Engines   *engine.Registry
	TokenMgr  *ghtoken.Manager // nil disables GitHub App token issuance

	mu        sync.Mutex
	bookkeep  map[string]bookkeeping
}

type bookkeeping struct {
	startedAt   time.Time
	softTimeout time.Duration
}

// New creates an Executor wired to the given shared components.
func New(store *task.Store, auditLog *audit.Log, breakers *breaker.Registry, engines *engine.Registry, tokenMgr *ghtoken.Manager) *Executor {
	return &Executor{
		Store:    store,
		AuditLog: auditLog,
		Breakers: breakers,
		Engines:  engines,
		TokenMgr: tokenMgr,
		bookkeep: make(map[string]bookkeeping),
	}
}

// Bookkeeping resolves the running-since time and soft timeout for a
// task ID, satisfying watchdog.Accessor.
func (e *Executor) Bookkeeping(taskID string) (startedAt time.Time, softTimeout time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, found := e.bookkeep[taskID]
	return b.startedAt, b.softTimeout, found
}

// Submit registers state and launches Execute in a background
// goroutine, recording the task.submitted audit event synchronously
// so it is visible before Submit returns.
func (e *Executor) Submit(ctx context.Context, t *task.Task) (*task.State, error) {
	s := task.NewState(t)
	if !e.Store.Add(s) {
		return nil, fmt.Errorf("executor: task %q already exists", t.ID)
	}
	e.AuditLog.Record("task.submitted", t.ID, nil)
	go e.Execute(context.WithoutCancel(ctx), s)
	return s, nil
}

// Execute runs the full pipeline for s to a terminal status. It never
// panics the caller: every error path is converted into a terminal
// Result plus an audit event.
func (e *Executor) Execute(ctx context.Context, s *task.State) {
	t := s.Task
	budgetTracker := budget.NewTracker(t.MaxCostUSD)

	defer func() {
		if err := workspace.Cleanup(t.ID); err != nil {
			slog.Warn("executor.cleanup_failed", "task_id", t.ID, "err", err)
		}
		e.mu.Lock()
		delete(e.bookkeep, t.ID)
		e.mu.Unlock()
	}()

	if err := s.SetStatus(task.Running); err != nil {
		slog.Error("executor.bad_transition", "task_id", t.ID, "err", err)
		return
	}
	startedAt := time.Now()
	e.mu.Lock()
	e.bookkeep[t.ID] = bookkeeping{startedAt: startedAt, softTimeout: time.Duration(t.TimeoutSeconds) * time.Second}
	e.mu.Unlock()
	e.AuditLog.Record("task.started", t.ID, nil)

	result, err := e.runPhases(ctx, s, budgetTracker, startedAt)
	if err != nil {
		e.finishWithError(s, startedAt, err)
		return
	}

	s.SetResult(result)
	var final task.Status
	var auditEvent string
	switch result.Status {
	case "success":
		final, auditEvent = task.Complete, "task.completed"
	case "cancelled":
		final, auditEvent = task.Cancelled, "task.cancelled"
	case "timeout":
		final, auditEvent = task.TimedOut, "task.timed_out"
	default:
		final, auditEvent = task.Failed, "task.failed"
	}
	if setErr := s.SetStatus(final); setErr != nil {
		slog.Error("executor.bad_transition", "task_id", t.ID, "err", setErr)
	}
	e.AuditLog.Record(auditEvent, t.ID, map[string]any{"status": result.Status})
}

func (e *Executor) runPhases(ctx context.Context, s *task.State, budgetTracker *budget.Tracker, startedAt time.Time) (*task.Result, error) {
	t := s.Task

	effectiveToken := ""
	if e.TokenMgr != nil {
		tok, err := e.TokenMgr.GetToken(ctx)
		if err != nil {
			slog.Warn("executor.github_token_unavailable", "task_id", t.ID, "err", err)
		} else {
			effectiveToken = tok
		}
	}

	ws, err := workspace.Create(ctx, t.ID, t.RepoURL, t.Branch, t.BaseBranch, effectiveToken)
	if err != nil {
		return nil, fmt.Errorf("workspace setup: %w", err)
	}
	s.WorkspacePath = ws.Repo

	eng, err := e.Engines.Select(t.Model, t.Engine)
	if err != nil {
		return nil, err
	}

	br := e.Breakers.Get(eng.Name())
	if !br.AllowRequest() {
		return nil, &breaker.OpenError{Name: eng.Name()}
	}

	e.AuditLog.Record("task.engine_selected", t.ID, map[string]any{"engine": eng.Name()})

	if t.EnvVars == nil {
		t.EnvVars = map[string]string{}
	}
	t.EnvVars["WORKSPACE_DIR"] = ws.Repo

	engResult, runErr := eng.Run(ctx, t, s.CancelChan())
	if runErr != nil {
		br.RecordFailure()
		return nil, fmt.Errorf("engine run: %w", runErr)
	}

	if engResult.CostUSD > 0 {
		budgetTracker.RecordCost(engResult.CostUSD)
		if err := budgetTracker.Check(); err != nil {
			br.RecordFailure()
			return nil, err
		}
	}

	switch engResult.Status {
	case "success":
		br.RecordSuccess()
	case "timeout", "cancelled":
		// Not an engine failure: the task was stopped from outside, not
		// refused or broken by the engine itself. Leave the breaker alone.
	default:
		br.RecordFailure()
	}

	if engResult.Status != "success" {
		engResult.DurationMs = time.Since(startedAt).Milliseconds()
		return &engResult, nil
	}

	if err := s.SetStatus(task.Committing); err != nil {
		return nil, err
	}

	commitMsg := fmt.Sprintf("feat: %s\n\nTask: %s\nEngine: %s\nModel: %s\n\nCo-Authored-By: %s Agent <agent@runner.local>",
		t.Title, t.ID, eng.Name(), t.Model, eng.Name())

	sha, err := workspace.CommitChanges(ctx, ws.Repo, commitMsg)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	engResult.FilesChanged = workspace.ChangedFiles(ctx, ws.Repo, t.BaseBranch)
	engResult.CommitSHA = sha
	if sha != "" {
		pushed := workspace.PushChanges(ctx, ws.Repo, t.Branch)
		engResult.Pushed = pushed
		if !pushed {
			slog.Warn("executor.push_failed", "task_id", t.ID)
		}
	}

	engResult.DurationMs = time.Since(startedAt).Milliseconds()
	return &engResult, nil
}

func (e *Executor) finishWithError(s *task.State, startedAt time.Time, err error) {
	t := s.Task
	durationMs := time.Since(startedAt).Milliseconds()

	var openErr *breaker.OpenError
	var budgetErr *budget.ExceededError

	switch {
	case s.Cancelled():
		s.SetResult(&task.Result{TaskID: t.ID, Status: "cancelled", Engine: t.Engine, Model: t.Model, DurationMs: durationMs, ErrorMessage: "Task was cancelled"})
		_ = s.SetStatus(task.Cancelled)
		e.AuditLog.Record("task.cancelled", t.ID, nil)
	case errors.As(err, &openErr):
		s.SetResult(&task.Result{TaskID: t.ID, Status: "failure", Engine: t.Engine, Model: t.Model, DurationMs: durationMs, ErrorMessage: err.Error()})
		_ = s.SetStatus(task.Failed)
		e.AuditLog.Record("task.circuit_open", t.ID, map[string]any{"engine": openErr.Name})
	case errors.As(err, &budgetErr):
		s.SetResult(&task.Result{TaskID: t.ID, Status: "failure", Engine: t.Engine, Model: t.Model, DurationMs: durationMs, ErrorMessage: err.Error()})
		_ = s.SetStatus(task.Failed)
		e.AuditLog.Record("task.budget_exceeded", t.ID, map[string]any{"spent": budgetErr.Spent, "limit": budgetErr.Ceiling})
	default:
		s.SetResult(&task.Result{TaskID: t.ID, Status: "failure", Engine: t.Engine, Model: t.Model, DurationMs: durationMs, ErrorMessage: err.Error()})
		_ = s.SetStatus(task.Failed)
		e.AuditLog.Record("task.failed", t.ID, map[string]any{"error": err.Error()})
	}
}

// Cancel requests cooperative cancellation of a running or pending task.
func Cancel(s *task.State) error {
	switch s.Status() {
	case task.Pending, task.Running:
		s.Cancel()
		return nil
	default:
		return fmt.Errorf("executor: cannot cancel task in status %s", s.Status())
	}
}
