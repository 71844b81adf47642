// Command runnerd starts the agent runner HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrunner/runner/internal/audit"
	"github.com/agentrunner/runner/internal/breaker"
	"github.com/agentrunner/runner/internal/engine"
	"github.com/agentrunner/runner/internal/executor"
	"github.com/agentrunner/runner/internal/ghtoken"
	"github.com/agentrunner/runner/internal/rlog"
	"github.com/agentrunner/runner/internal/runnerenv"
	"github.com/agentrunner/runner/internal/server"
	"github.com/agentrunner/runner/internal/task"
	"github.com/agentrunner/runner/internal/watchdog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		host           string
		port           int
		watchdogSecs   float64
		polyglotProv   string
	)

	cmd := &cobra.Command{
		Use:   "runnerd",
		Short: "Run the agent runner HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), host, port, watchdogSecs, polyglotProv)
		},
	}

	cmd.Flags().StringVar(&host, "host", runnerenv.Get(runnerenv.ListenHost, "0.0.0.0"), "listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	cmd.Flags().Float64Var(&watchdogSecs, "watchdog-interval", watchdog.DefaultCheckInterval.Seconds(), "watchdog scan interval in seconds")
	cmd.Flags().StringVar(&polyglotProv, "polyglot-provider", "openrouter", "default genai provider for the polyglot fallback engine")

	return cmd
}

func serve(ctx context.Context, host string, port int, watchdogSecs float64, polyglotProvider string) error {
	logger := rlog.Default()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := task.NewStore()
	auditLog := audit.New(logger)
	breakers := breaker.NewRegistry(breaker.DefaultFailureThreshold, breaker.DefaultRecoveryTimeout)

	engines := engine.NewRegistry("polyglot",
		engine.ClaudeAdapter{},
		engine.CodexAdapter{},
		engine.GeminiAdapter{},
		engine.PolyglotAdapter{ProviderName: polyglotProvider},
	)

	var tokenMgr *ghtoken.Manager
	if appID := runnerenv.Get(runnerenv.GitHubAppID, ""); appID != "" {
		instID := runnerenv.Get(runnerenv.GitHubAppInstallID, "")
		key := runnerenv.Get(runnerenv.GitHubAppPrivateKey, "")
		if instID != "" && key != "" {
			tokenMgr = ghtoken.NewManager(appID, instID, []byte(key))
			if keyFile := runnerenv.Get(runnerenv.GitHubAppPrivateKeyFil, ""); keyFile != "" {
				if _, err := ghtoken.WatchPrivateKeyFile(tokenMgr, keyFile); err != nil {
					logger.Warn("ghtoken.watch_setup_failed", "err", err)
				}
			}
		} else {
			logger.Warn("ghtoken.disabled_missing_config")
		}
	}

	exec := executor.New(store, auditLog, breakers, engines, tokenMgr)

	wd := watchdog.New(store, auditLog, time.Duration(watchdogSecs*float64(time.Second)))
	wd.SetAccessor(func(taskID string) (watchdog.Info, bool) {
		started, timeout, ok := exec.Bookkeeping(taskID)
		return watchdog.Info{StartedAt: started, SoftTimeout: timeout}, ok
	})
	wd.Start()
	defer wd.Stop()

	srv := server.New(store, auditLog, engines, exec)

	addr := fmt.Sprintf("%s:%d", host, port)
	logger.Info("runner.listening", "addr", addr)
	return srv.ListenAndServe(ctx, addr)
}
