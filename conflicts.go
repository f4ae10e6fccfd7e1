package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/todosync/internal/sync"
)

func newConflictsCmd() *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded sync conflicts",
		Long: `List the device's conflict log: edits the server rejected because a
newer version won, and remote deletions that still await manual cleanup
in the host application.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := sync.NewConflictLog(resolvedCfg.ConflictsPath(), slog.Default())

			if clear {
				if err := log.Clear(); err != nil {
					return err
				}

				cmd.Println("conflict log cleared")

				return nil
			}

			entries, err := log.List()
			if err != nil {
				return err
			}

			if len(entries) == 0 {
				cmd.Println("no conflicts recorded")
				return nil
			}

			for _, e := range entries {
				title := e.LocalTitle
				if title == "" && e.ServerTodo != nil {
					title = e.ServerTodo.Title
				}

				cmd.Printf("%s  %-22s  %-30q  %s\n", e.OccurredAt, e.Kind, title, e.Reason)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&clear, "clear", false, "truncate the conflict log")

	return cmd
}
