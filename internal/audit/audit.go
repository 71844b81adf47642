// Package audit implements the append-only, in-memory audit trail.
// Recording an event must never fail and must never block a caller
// behind task work; reads return a defensive copy.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/maruel/ksid"
)

// Event is a single recorded audit entry.
type Event struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Log is a thread-safe, append-only event log.
type Log struct {
	mu     sync.Mutex
	events []Event
	logger *slog.Logger
}

// New creates an empty audit log. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Record appends a new event. Each metadata entry is also emitted as a
// key/value attribute on the structured log line.
func (l *Log) Record(action, taskID string, metadata map[string]any) Event {
	ev := Event{
		ID:        ksid.NewID().String(),
		Action:    action,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()

	args := make([]any, 0, 2+2*len(metadata))
	args = append(args, "task_id", taskID)
	for k, v := range metadata {
		args = append(args, k, v)
	}
	l.logger.Info(action, args...)

	return ev
}

// Events returns all recorded events, optionally filtered to a single
// task. The returned slice is a copy and safe to retain.
func (l *Log) Events(taskID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if taskID == "" {
		out := make([]Event, len(l.events))
		copy(out, l.events)
		return out
	}

	var out []Event
	for _, ev := range l.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// Clear removes all recorded events. Used on shutdown/test teardown.
func (l *Log) Clear() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}
