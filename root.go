// Command todosync is the per-device sync client: it mirrors one project of
// the host task application to the coordination server and back.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/todosync/internal/config"
	"github.com/tonimelisma/todosync/internal/hostapp"
	"github.com/tonimelisma/todosync/internal/sync"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Config

// httpClientTimeout bounds every API request so a hung connection cannot
// stall a cycle past its design budget.
const httpClientTimeout = 30 * time.Second

// newRootCmd builds the fully-assembled root command. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "todosync",
		Short:   "Todo list synchronization client",
		Long:    "Synchronizes the host task application's todo list with the central coordination server.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			setupLogging()

			path := flagConfigPath
			if path == "" {
				path = config.DefaultConfigPath()
			}

			cfg, err := config.LoadOrDefault(path)
			if err != nil {
				return err
			}

			resolvedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newDiagnoseCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

// setupLogging configures the process-wide slog default: text on a TTY,
// JSON otherwise, with the level driven by --verbose/--quiet.
func setupLogging() {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// requireValidConfig checks the loaded config has everything a sync-facing
// command needs.
func requireValidConfig() error {
	return config.Validate(resolvedCfg)
}

// buildEngine assembles the sync engine from the resolved configuration.
func buildEngine() (*sync.Engine, error) {
	if err := requireValidConfig(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(resolvedCfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	logger := slog.Default()

	provider := hostapp.NewFileProvider(resolvedCfg.HostFile, resolvedCfg.Project)
	client := sync.NewClient(resolvedCfg.ServerURL, resolvedCfg.Token,
		&http.Client{Timeout: httpClientTimeout}, logger)

	return sync.NewEngine(
		sync.NewLock(resolvedCfg.LockPath(), logger),
		sync.NewStateStore(resolvedCfg.StatePath(), logger),
		provider,
		client,
		sync.NewConflictLog(resolvedCfg.ConflictsPath(), logger),
		logger,
	), nil
}
