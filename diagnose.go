package main

import (
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/todosync/internal/sync"
)

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check the device snapshot for problems",
		Long: `Validate the device snapshot: load it with full integrity checks and
report id mappings that would produce duplicate todos. Run this after a
sync halts with a duplicate-mapping or corrupt-state error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := sync.NewStateStore(resolvedCfg.StatePath(), slog.Default()).Load()
			if err != nil {
				return err
			}

			dupes := sync.NewRegistry(state).DuplicateCandidates()
			if len(dupes) == 0 {
				cmd.Println("snapshot ok: no duplicate mappings found")
				return nil
			}

			locals := make([]string, 0, len(dupes))
			for lid := range dupes {
				locals = append(locals, lid)
			}

			sort.Strings(locals)

			for _, lid := range locals {
				cmd.Printf("local id %s is mapped from multiple server ids: %v\n", lid, dupes[lid])
			}

			cmd.Println("\nresolve by deleting the duplicate todos on one device, then sync again")

			return nil
		},
	}
}
