// Package runnerenv centralizes environment variable reads for the
// agent runner. Every lookup happens at call time, never at package
// init, so tests can override values with t.Setenv per case.
package runnerenv

import (
	"os"
	"strconv"
)

const (
	APIKey                 = "RUNNER_API_KEY"
	Engine                 = "RUNNER_ENGINE"
	WorkspaceRoot          = "RUNNER_WORKSPACE_ROOT"
	KeepWorkspaces         = "RUNNER_KEEP_WORKSPACES"
	SandboxImage           = "RUNNER_SANDBOX_IMAGE"
	LogFormat              = "RUNNER_LOG_FORMAT"
	ListenHost             = "RUNNER_HOST"
	ListenPort             = "RUNNER_PORT"
	GitHubAppID            = "GITHUB_APP_ID"
	GitHubAppInstallID     = "GITHUB_APP_INSTALLATION_ID"
	GitHubAppPrivateKey    = "GITHUB_APP_PRIVATE_KEY"
	GitHubAppPrivateKeyFil = "RUNNER_GITHUB_APP_PRIVATE_KEY_FILE"
)

const DefaultWorkspaceRoot = "/tmp/agent-runner-workspaces"
const DefaultSandboxImage = "agentrunner/sandbox:python"

// Get reads key from the environment, returning def when unset or empty.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetBool reads key as a boolean. Unset or empty is false; a value
// strconv.ParseBool accepts is parsed as such ("0", "f", "false",
// "FALSE" are false); any other non-empty value is true.
func GetBool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// WorkspaceRootDir returns the configured workspace root directory.
func WorkspaceRootDir() string {
	return Get(WorkspaceRoot, DefaultWorkspaceRoot)
}

// KeepWorkspacesAfterRun reports whether completed task workspaces
// should be left on disk instead of cleaned up.
func KeepWorkspacesAfterRun() bool {
	return GetBool(KeepWorkspaces)
}
