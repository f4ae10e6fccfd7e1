package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/todosync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync cycle",
		Long: `Run one full sync cycle: detect local changes, push them to the server,
pull the merged delta, and apply it to the host task application.

With --watch, keep syncing on a timer and whenever the host todo file
changes, until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := buildEngine()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if watch {
				runner := sync.NewRunner(engine, resolvedCfg.Interval(),
					resolvedCfg.HostFile, slog.Default())

				return runner.Run(ctx)
			}

			result, err := engine.RunCycle(ctx)
			if err != nil {
				return err
			}

			return printCycleResult(cmd, result)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing on a timer until interrupted")

	return cmd
}

// printCycleResult renders the one-shot summary, distinguishing resolved
// conflicts (informational) from a skipped cycle.
func printCycleResult(cmd *cobra.Command, result sync.CycleResult) error {
	if result.Skipped {
		cmd.Println("sync skipped: another sync is already running")
		return nil
	}

	cmd.Printf("pushed %d, pulled %d\n",
		result.PushedUpserts+result.PushedDeletes,
		result.PulledUpserts+result.PulledDeletes)

	if result.Conflicts > 0 {
		cmd.Printf("%d conflicts resolved (your edits were older), see 'todosync conflicts'\n", result.Conflicts)
	}

	return nil
}
