// Package rlog wires up the process-wide slog logger. On a terminal it
// emits colorized, human-readable lines via lmittmann/tint; otherwise
// (or when forced by RUNNER_LOG_FORMAT=json) it emits structured JSON,
// matching the conventions the rest of the codebase logs with.
package rlog

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/agentrunner/runner/internal/runnerenv"
)

// New builds the default logger for the process, writing to w.
func New(w io.Writer) *slog.Logger {
	format := runnerenv.Get(runnerenv.LogFormat, "")
	f, ok := w.(*os.File)
	isTerminal := ok && isatty.IsTerminal(f.Fd())

	if format == "json" || (!isTerminal && format == "") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	out := w
	if ok {
		out = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(out, &tint.Options{Level: slog.LevelInfo}))
}

// Default installs New(os.Stdout) as the slog default logger and
// returns it for components that want a direct handle.
func Default() *slog.Logger {
	l := New(os.Stdout)
	slog.SetDefault(l)
	return l
}
