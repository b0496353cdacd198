package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/workflowmanager/engine/config"
	"github.com/workflowmanager/engine/state"
)

func newStateCommand(ctx context.Context) *cobra.Command {
	var branchID string

	cmd := &cobra.Command{
		Use:   "state <run-id>",
		Short: "Print a run's hierarchical state and token usage",
		Long: `State builds the step/module-nested event hierarchy (state.Build) and
the run's accumulated token usage summary for branchID (the run's current
branch, unless --branch overrides it), and prints both as JSON.`,
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

			hierarchy, err := state.Build(ctx, a.drv, runID, branchID)
			if err != nil {
				return fmt.Errorf("build state hierarchy: %w", err)
			}

			summary, err := a.usage.Summary(ctx, runID)
			if err != nil {
				return fmt.Errorf("token usage summary: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"state": hierarchy,
				"usage": summary,
			})
		},
	}

	cmd.Flags().StringVar(&branchID, "branch", "", "branch id (defaults to the run's current branch)")
	return cmd
}
