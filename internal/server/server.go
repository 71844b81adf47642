// Package server exposes the HTTP surface: health, task submission,
// task status, and task cancellation, wrapped with API-key auth and
// response compression, optionally served over HTTP/2 cleartext.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/agentrunner/runner/internal/audit"
	"github.com/agentrunner/runner/internal/engine"
	"github.com/agentrunner/runner/internal/executor"
	"github.com/agentrunner/runner/internal/server/dto"
	"github.com/agentrunner/runner/internal/task"
)

const version = "0.1.0"

// Server wires the shared runner components to an http.Handler.
type Server struct {
	store    *task.Store
	auditLog *audit.Log
	engines  *engine.Registry
	exec     *executor.Executor
}

// New constructs a Server over the given shared components.
func New(store *task.Store, auditLog *audit.Log, engines *engine.Registry, exec *executor.Executor) *Server {
	return &Server{store: store, auditLog: auditLog, engines: engines, exec: exec}
}

// Handler builds the full mux with auth and compression middleware
// applied, wrapped for h2c (HTTP/2 cleartext) support.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{task_id}/cancel", s.handleCancelTask)

	var h http.Handler = mux
	h = compressMiddleware(h)
	h = apiKeyMiddleware(h)
	return h2c.NewHandler(h, &http2.Server{})
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx
// is cancelled, then gracefully shuts it down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.HealthResp{
		Status:      "ok",
		ActiveTasks: s.store.ActiveCount(),
		Version:     version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.VersionResp{Version: version, Engines: s.engines.Names()})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	handle(func(r *http.Request, in *dto.CreateTaskReq) (*dto.TaskResp, error) {
		if _, exists := s.store.Get(in.TaskID); exists {
			return nil, dto.Conflict("task %q already exists", in.TaskID)
		}
		in.NormalizeDefaults()

		t := &task.Task{
			ID: in.TaskID, RepoURL: in.RepoURL, Branch: in.Branch, BaseBranch: in.BaseBranch,
			Title: in.Title, Description: in.Description, RiskTier: in.RiskTier, Complexity: in.Complexity,
			Engine: in.Engine, Model: in.Model, MaxTurns: in.MaxTurns, TimeoutSeconds: in.TimeoutSeconds,
			EnvVars: in.EnvVars, Constitution: in.Constitution, CallbackURL: in.CallbackURL,
			MaxCostUSD: in.MaxCostUSD, SandboxMode: in.SandboxMode, SandboxImage: in.SandboxImage,
		}
		if err := t.Validate(); err != nil {
			return nil, dto.UnprocessableEntity("%v", err)
		}

		if _, err := s.exec.Submit(r.Context(), t); err != nil {
			return nil, dto.Conflict("%v", err)
		}

		return &dto.TaskResp{TaskID: t.ID, Status: string(task.Pending)}, nil
	})(w, r)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	handle(func(r *http.Request, in *dto.TaskIDParam) (*dto.TaskResp, error) {
		st, ok := s.store.Get(in.TaskID)
		if !ok {
			return nil, dto.NotFound("task %q not found", in.TaskID)
		}

		resp := &dto.TaskResp{TaskID: in.TaskID, Status: string(st.Status())}
		if res := st.Result(); res != nil {
			resp.Engine = res.Engine
			resp.Model = res.Model
			resp.FilesChanged = res.FilesChanged
			resp.CostUSD = res.CostUSD
			resp.NumTurns = res.NumTurns
			resp.DurationMs = res.DurationMs
			resp.CommitSHA = res.CommitSHA
			resp.ErrorMessage = res.ErrorMessage
			resp.StdoutTail = res.StdoutTail
			resp.StderrTail = res.StderrTail
		}
		return resp, nil
	})(w, r)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	handle(func(r *http.Request, in *dto.TaskIDParam) (*dto.TaskResp, error) {
		st, ok := s.store.Get(in.TaskID)
		if !ok {
			return nil, dto.NotFound("task %q not found", in.TaskID)
		}
		if err := executor.Cancel(st); err != nil {
			return nil, dto.BadRequest("%v", err)
		}
		s.auditLog.Record("task.cancelled", in.TaskID, nil)
		return &dto.TaskResp{TaskID: in.TaskID, Status: string(st.Status())}, nil
	})(w, r)
}
