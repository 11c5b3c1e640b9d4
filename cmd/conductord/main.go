// Command conductord is Conductor's daemon: it loads configuration,
// opens persistence, wires every component together (per spec.md §9, no
// global singletons), recovers from a prior crash, and runs the
// scheduler loop and event hub HTTP surface until signalled to stop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductord/internal/agent"
	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/githost"
	"github.com/conductorhq/conductord/internal/guardrails"
	"github.com/conductorhq/conductord/internal/logging"
	"github.com/conductorhq/conductord/internal/planningchat"
	"github.com/conductorhq/conductord/internal/prlifecycle"
	"github.com/conductorhq/conductord/internal/quota"
	"github.com/conductorhq/conductord/internal/scheduler"
	"github.com/conductorhq/conductord/internal/store"
	"github.com/conductorhq/conductord/internal/task"
	"github.com/conductorhq/conductord/internal/workspace"
)

var (
	configPath       string
	dbPathOverride   string
	workspacePattern string
	httpAddr         string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conductord",
		Short: "Run the Conductor local orchestrator daemon",
		RunE:  run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to conductor.yaml (defaults baked in when absent)")
	cmd.Flags().StringVar(&dbPathOverride, "db", "", "override the configured SQLite database path")
	cmd.Flags().StringVar(&workspacePattern, "workspace-pattern", "", "override the configured workspace glob pattern")
	cmd.Flags().StringVar(&httpAddr, "http-addr", ":8089", "address the event hub's HTTP surface listens on")
	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPathOverride != "" {
		cfg.DBPath = dbPathOverride
	}
	if workspacePattern != "" {
		cfg.WorkspacePattern = workspacePattern
	}

	logFile, err := logging.OpenSystemLog(cfg.LogDir + "/conductor.log")
	if err != nil {
		return err
	}
	defer logFile.Close()
	log := logging.NewSystemLogger(logFile, cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	recovered, err := st.RecoverStuckState(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		log.Warn("recovered stuck state from prior run", "count", recovered)
	}

	qm := quota.New(cfg.Quota, st, nil)
	guard := guardrails.New(cfg.Guardrails)

	ws := workspace.New()
	if err := ws.Discover(cfg.WorkspacePattern); err != nil {
		return err
	}

	hub := eventhub.New(log.Named("eventhub"))

	summaryLog, err := logging.NewSummaryLog(cfg.LogDir + "/summaries.jsonl")
	if err != nil {
		return err
	}

	agents := agent.New(cfg, st, qm, guard, ws, hub, summaryLog, log.Named("agent"))
	agents.SetPlanningChat(planningchat.New(st, nil))

	tasks := task.New(st, nil)
	host := githost.New()
	prl := prlifecycle.New(cfg.PRLifecycle, st, tasks, host, hub, nil)

	sched := scheduler.New(tasks, qm, ws, agents, hub, log.Named("scheduler")).
		WithPRLifecycle(st, prl)

	httpServer := &http.Server{Addr: httpAddr, Handler: hub.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("event hub http server failed", "error", err)
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("conductord started", "db", cfg.DBPath, "workspace_pattern", cfg.WorkspacePattern, "http_addr", httpAddr)

	schedErr := sched.Run(runCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", "error", err)
	}

	if schedErr != nil {
		log.Error("scheduler exited with error", "error", schedErr)
		return schedErr
	}
	log.Info("conductord stopped")
	return nil
}
