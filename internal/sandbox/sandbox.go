// Package sandbox builds docker run command vectors that wrap an
// engine's inner command for isolated execution: network disabled by
// default, bounded CPU/memory, and a read-only root filesystem with a
// writable tmpfs scratch area.
package sandbox

import "sort"

// DefaultAllowedHosts lists hosts a network-enabled sandbox is
// expected to reach (informational; enforcement is the image's own
// egress policy, not this wrapper's).
var DefaultAllowedHosts = []string{
	"pypi.org",
	"files.pythonhosted.org",
	"registry.npmjs.org",
	"github.com",
	"api.github.com",
}

// Config describes a single sandboxed run.
type Config struct {
	Image          string
	WorkspaceMount string
	NetworkMode    string
	MemoryLimit    string
	CPULimit       string
	ReadOnlyRoot   bool
	AllowedHosts   []string
}

// DefaultConfig returns a network-isolated, read-only-root config for
// the given image.
func DefaultConfig(image string) Config {
	return Config{
		Image:          image,
		WorkspaceMount: "/workspace",
		NetworkMode:    "none",
		MemoryLimit:    "4g",
		CPULimit:       "2.0",
		ReadOnlyRoot:   true,
	}
}

// WithNetwork returns a copy of cfg with bridge networking enabled and
// the given allowed hosts (DefaultAllowedHosts when nil).
func (cfg Config) WithNetwork(allowedHosts []string) Config {
	out := cfg
	out.NetworkMode = "bridge"
	if allowedHosts != nil {
		out.AllowedHosts = allowedHosts
	} else {
		out.AllowedHosts = DefaultAllowedHosts
	}
	return out
}

// BuildDockerCmd builds the full "docker run ..." argument vector that
// wraps innerCmd, mounting workspacePath and forwarding envVars.
func BuildDockerCmd(cfg Config, innerCmd []string, workspacePath string, envVars map[string]string) []string {
	mount := cfg.WorkspaceMount
	if mount == "" {
		mount = "/workspace"
	}

	cmd := []string{
		"docker", "run", "--rm",
		"--network=" + cfg.NetworkMode,
		"--memory=" + cfg.MemoryLimit,
		"--cpus=" + cfg.CPULimit,
		"-v", workspacePath + ":" + mount,
		"-w", mount,
	}

	if cfg.ReadOnlyRoot {
		cmd = append(cmd, "--read-only", "--tmpfs", "/tmp:rw,noexec,nosuid,size=1g")
	}

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd = append(cmd, "-e", k+"="+envVars[k])
	}

	cmd = append(cmd, cfg.Image)
	cmd = append(cmd, innerCmd...)
	return cmd
}
