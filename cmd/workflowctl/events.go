package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/workflowmanager/engine/config"
)

func newEventsCommand(ctx context.Context) *cobra.Command {
	var branchID string

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's lineage event log",
		Long: `Events replays branchID's lineage (the run's current branch, unless
--branch overrides it) through Deriver.LineageEvents and prints every
event in the order the engine appended it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			cfg := config.Load()
			a, err := newApp(ctx, cfg, storeFlag == "mongo", logger(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if branchID == "" {
				run, err := a.runs.Get(ctx, runID)
				if err != nil {
					return fmt.Errorf("get run: %w", err)
				}
				branchID = run.CurrentBranchID
			}

			events, err := a.drv.LineageEvents(ctx, runID, branchID, nil)
			if err != nil {
				return fmt.Errorf("lineage events: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}

	cmd.Flags().StringVar(&branchID, "branch", "", "branch id (defaults to the run's current branch)")
	return cmd
}
