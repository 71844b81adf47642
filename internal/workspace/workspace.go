// Package workspace prepares, commits, and tears down the per-task git
// checkout: shallow clone of the base branch, a fresh task branch,
// agent work, commit, push, and cleanup.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentrunner/runner/internal/runnerenv"
)

// Workspace is a prepared local checkout for a single task.
type Workspace struct {
	TaskID string
	Root   string // {root}/{task_id}
	Repo   string // {root}/{task_id}/repo
	Output string // {root}/{task_id}/output
	Logs   string // {root}/{task_id}/logs
}

const gitTimeout = 60 * time.Second

// Create sets up a fresh workspace for taskID: it removes any stale
// directory, clones repoURL shallowly at baseBranch, creates branch,
// and configures a commit identity. githubToken, when non-empty, is
// embedded into the HTTPS clone URL as an x-access-token credential
// and is never logged.
func Create(ctx context.Context, taskID, repoURL, branch, baseBranch, githubToken string) (*Workspace, error) {
	root := filepath.Join(runnerenv.WorkspaceRootDir(), taskID)
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("workspace: clean stale dir: %w", err)
	}

	ws := &Workspace{
		TaskID: taskID,
		Root:   root,
		Repo:   filepath.Join(root, "repo"),
		Output: filepath.Join(root, "output"),
		Logs:   filepath.Join(root, "logs"),
	}

	for _, d := range []string{ws.Repo, ws.Output, ws.Logs} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("workspace: mkdir %s: %w", d, err)
		}
	}

	cloneURL := repoURL
	if githubToken != "" {
		cloneURL = injectToken(repoURL, githubToken)
	}

	if code, _, stderr := runGit(ctx, ws.Root, "clone", "--depth", "1", "--branch", baseBranch, cloneURL, "repo"); code != 0 {
		return nil, fmt.Errorf("workspace: clone failed: %s", stderr)
	}
	if code, _, stderr := runGit(ctx, ws.Repo, "checkout", "-b", branch); code != 0 {
		return nil, fmt.Errorf("workspace: checkout -b %s failed: %s", branch, stderr)
	}
	if code, _, stderr := runGit(ctx, ws.Repo, "config", "user.name", "Agent Runner"); code != 0 {
		return nil, fmt.Errorf("workspace: git config user.name: %s", stderr)
	}
	if code, _, stderr := runGit(ctx, ws.Repo, "config", "user.email", "agent@runner.local"); code != 0 {
		return nil, fmt.Errorf("workspace: git config user.email: %s", stderr)
	}

	return ws, nil
}

// CommitChanges stages all pending changes and commits them. It
// returns ("", nil) when there is nothing to commit.
func CommitChanges(ctx context.Context, repoPath, message string) (string, error) {
	if code, _, stderr := runGit(ctx, repoPath, "add", "-A"); code != 0 {
		return "", fmt.Errorf("workspace: add -A: %s", stderr)
	}

	if code, _, _ := runGit(ctx, repoPath, "diff", "--cached", "--quiet"); code == 0 {
		return "", nil // nothing staged
	}

	if code, _, stderr := runGit(ctx, repoPath, "commit", "-m", message); code != 0 {
		return "", fmt.Errorf("workspace: commit: %s", stderr)
	}

	code, stdout, stderr := runGit(ctx, repoPath, "rev-parse", "HEAD")
	if code != 0 {
		return "", fmt.Errorf("workspace: rev-parse HEAD: %s", stderr)
	}
	return strings.TrimSpace(stdout), nil
}

// PushChanges pushes branch to origin, creating the upstream tracking
// ref. It returns false (not an error) on push failure, matching the
// "push failure does not fail the task" design.
func PushChanges(ctx context.Context, repoPath, branch string) bool {
	pushCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	code, _, _ := runGitCtx(pushCtx, repoPath, "push", "-u", "origin", branch)
	return code == 0
}

// ChangedFiles lists files touched relative to baseBranch, falling
// back to a HEAD~1 diff when the origin ref comparison is unavailable.
func ChangedFiles(ctx context.Context, repoPath, baseBranch string) []string {
	code, stdout, _ := runGit(ctx, repoPath, "diff", "--name-only", "origin/"+baseBranch+"...HEAD")
	if code != 0 {
		code, stdout, _ = runGit(ctx, repoPath, "diff", "--name-only", "HEAD~1")
		if code != 0 {
			return nil
		}
	}
	return splitLines(stdout)
}

// Cleanup removes the workspace directory tree unless the
// RUNNER_KEEP_WORKSPACES env var is set.
func Cleanup(taskID string) error {
	if runnerenv.KeepWorkspacesAfterRun() {
		return nil
	}
	return os.RemoveAll(filepath.Join(runnerenv.WorkspaceRootDir(), taskID))
}

func injectToken(repoURL, token string) string {
	const prefix = "https://"
	if !strings.HasPrefix(repoURL, prefix) {
		return repoURL
	}
	return prefix + "x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, prefix)
}

func runGit(ctx context.Context, dir string, args ...string) (code int, stdout, stderr string) {
	timeoutCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return runGitCtx(timeoutCtx, dir, args...)
}

func runGitCtx(ctx context.Context, dir string, args ...string) (code int, stdout, stderr string) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, "", "git command timed out"
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), outBuf.String(), errBuf.String()
		}
		return -1, "", err.Error()
	}
	return 0, outBuf.String(), errBuf.String()
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
