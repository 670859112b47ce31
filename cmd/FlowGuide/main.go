// FlowGuide runs the anxiety-support flow orchestrator as an HTTP service
// and offers local commands for chatting with it and inspecting sessions.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/FlowGuide/internal/config"
	"github.com/spf13/cobra"
)

// Version information (set at build time)
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Flags holds command line overrides for the environment configuration.
type Flags struct {
	stateDir      string
	dbDSN         string
	logLevel      string
	flowsFile     string
	knowledgeFile string
	clinicalFile  string
}

// cli carries the loaded configuration from the root command to subcommands.
type cli struct {
	flags Flags
	cfg   config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "flowguide",
		Short: "Conversational anxiety-support flow orchestrator",
		Long: `FlowGuide routes each user message to a structured support flow
(panic grounding, sleep support, crisis resources and others), advances the
flow one step per turn and persists every turn so sessions can be replayed.

Configuration comes from the environment (and a .env file); flags override it.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&c.flags.stateDir, "state-dir", "", "state directory for FlowGuide data (overrides $FLOWGUIDE_STATE_DIR)")
	pf.StringVar(&c.flags.dbDSN, "db-dsn", "", `database DSN: a PostgreSQL URL, a SQLite path, or "memory" (overrides $DATABASE_URL)`)
	pf.StringVar(&c.flags.logLevel, "log-level", "", "debug, info, warn or error (overrides $FLOWGUIDE_LOG_LEVEL)")
	pf.StringVar(&c.flags.flowsFile, "flows", "", "YAML flow definitions (overrides $FLOWGUIDE_FLOWS_FILE)")
	pf.StringVar(&c.flags.knowledgeFile, "knowledge", "", "YAML knowledge base (overrides $FLOWGUIDE_KNOWLEDGE_FILE)")
	pf.StringVar(&c.flags.clinicalFile, "clinical", "", "YAML clinical parameters (overrides $FLOWGUIDE_CLINICAL_CONFIG)")

	cmd.AddCommand(
		newServeCmd(c),
		newChatCmd(c),
		newReplayCmd(c),
		newFlowsCmd(c),
		newStatsCmd(c),
	)
	return cmd
}

// load reads the environment configuration, applies flag overrides and
// installs the structured logger.
func (c *cli) load(cmd *cobra.Command) error {
	if c.flags.clinicalFile != "" {
		os.Setenv("FLOWGUIDE_CLINICAL_CONFIG", c.flags.clinicalFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(&cfg, c.flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg

	initializeLogger(cmd, cfg)
	slog.Debug("Final configuration", "state_dir", cfg.StateDir, "dsn_set", cfg.DatabaseURL != "", "api_addr", cfg.APIAddr, "flows_file", cfg.FlowsFile)
	return nil
}

// applyFlags overrides cfg with any flags that were set. A new state
// directory moves the default SQLite database with it.
func applyFlags(cfg *config.Config, f Flags) {
	if f.stateDir != "" && f.stateDir != cfg.StateDir {
		if cfg.DatabaseURL == filepath.Join(cfg.StateDir, config.DefaultDBFileName) {
			cfg.DatabaseURL = filepath.Join(f.stateDir, config.DefaultDBFileName)
			slog.Debug("Updated database DSN based on state directory", "new_state_dir", f.stateDir)
		}
		cfg.StateDir = f.stateDir
	}
	if f.dbDSN != "" {
		cfg.DatabaseURL = f.dbDSN
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.flowsFile != "" {
		cfg.FlowsFile = f.flowsFile
	}
	if f.knowledgeFile != "" {
		cfg.KnowledgeFile = f.knowledgeFile
	}
}

// initializeLogger sets up structured logging on the command's error stream.
func initializeLogger(cmd *cobra.Command, cfg config.Config) {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
}
