package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/todosync/internal/sync"
)

func newResetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all todos from the server",
		Long: `Delete every todo and tombstone from the coordination server. Devices
keep their local todos and re-upload them on their next sync, which makes
this the recovery path after a bad merge. Requires --force.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireValidConfig(); err != nil {
				return err
			}

			if !force {
				return fmt.Errorf("refusing to wipe the server without --force")
			}

			client := sync.NewClient(resolvedCfg.ServerURL, resolvedCfg.Token,
				&http.Client{Timeout: httpClientTimeout}, slog.Default())

			deleted, err := client.Reset(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("server reset: %d todos deleted\n", deleted)

			// The old cursor and mappings are meaningless against an empty
			// server. Drop the snapshot so the next sync re-uploads cleanly.
			statePath := resolvedCfg.StatePath()
			if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing snapshot %s: %w", statePath, err)
			}

			cmd.Println("local snapshot removed; run 'todosync sync' to re-upload")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive reset")

	return cmd
}
