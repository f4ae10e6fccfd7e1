package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/todosync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.Default()

			state, err := sync.NewStateStore(resolvedCfg.StatePath(), logger).Load()
			if err != nil {
				return err
			}

			conflicts, err := sync.NewConflictLog(resolvedCfg.ConflictsPath(), logger).List()
			if err != nil {
				return err
			}

			lastSynced := state.LastSyncedAt
			if lastSynced == "" {
				lastSynced = "never"
			}

			cmd.Printf("last synced:      %s\n", lastSynced)
			cmd.Printf("todos tracked:    %d\n", len(state.Todos))
			cmd.Printf("id mappings:      %d\n", len(state.ServerIDToLocalID))
			cmd.Printf("pending upserts:  %d\n", len(state.Dirty.Upserted))
			cmd.Printf("pending deletes:  %d\n", len(state.Dirty.Deleted))
			cmd.Printf("conflicts logged: %d\n", len(conflicts))

			return nil
		},
	}
}
