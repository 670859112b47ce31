package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/FlowGuide/internal/api"
	"github.com/BTreeMap/FlowGuide/internal/config"
	"github.com/BTreeMap/FlowGuide/internal/recovery"
	"github.com/BTreeMap/FlowGuide/internal/scheduler"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var apiAddr string
	var audit bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the orchestrator HTTP API until interrupted.

On start the idle-session archive runs once and, when enabled, every stored
session is replayed from its turn log and compared with its saved state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if apiAddr != "" {
				cfg.APIAddr = apiAddr
			}
			if cmd.Flags().Changed("audit") {
				cfg.AuditOnStart = audit
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "API server address (overrides $FLOWGUIDE_API_ADDR)")
	cmd.Flags().BoolVar(&audit, "audit", false, "replay every session on start (overrides $FLOWGUIDE_AUDIT_ON_START)")
	return cmd
}

// runServe wires the service, runs startup recovery, schedules archiving
// and serves HTTP until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config) error {
	slog.Info("Bootstrapping FlowGuide with configured modules")
	a, err := buildApp(cfg, "flowguide serve")
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("FlowGuide shutdown failed", "error", err)
		}
	}()

	archive := &scheduler.ArchiveJob{Archiver: a.store, TTL: cfg.SessionTTL}

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.StartupSweep{Job: archive})
	if cfg.AuditOnStart {
		rm.RegisterRecoverable(recovery.NewSessionAuditor(a.store, a.engine))
	}
	if err := rm.RecoverAll(ctx); err != nil {
		// Recovery problems are reported but do not block serving.
		slog.Error("Startup recovery finished with errors", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.ScheduleArchive(cfg.ArchiveSchedule, archive); err != nil {
		return fmt.Errorf("failed to schedule archiving: %w", err)
	}
	defer sched.Stop()

	srv := api.NewServer(a.engine, buildAPIOptions(cfg)...)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("API server failed: %w", err)
	}
	slog.Info("FlowGuide exited successfully")
	return nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg config.Config) []api.Option {
	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	return apiOpts
}
