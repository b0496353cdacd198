package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workflowmanager/engine/config"
)

func newResumeCommand(ctx context.Context) *cobra.Command {
	var (
		workflowFile string
		responseFile string
		userID       string
		projectName  string
	)

	cmd := &cobra.Command{
		Use:   "resume <template-name>",
		Short: "Respond to the run's pending interaction and continue executing",
		Long: `Resume loads --response-file as the interaction response, finds the
existing run for (--user, --project, <template-name>), and calls
interaction.Handler.Respond, which records the response, hands it to the
pending module, and re-enters Executor's module loop at the next index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			templateName := args[0]
			if workflowFile == "" || responseFile == "" {
				return fmt.Errorf("--workflow-file and --response-file are required")
			}

			def, err := loadDefinition(workflowFile)
			if err != nil {
				return err
			}

			response, err := loadTree(responseFile)
			if err != nil {
				return err
			}

			cfg := config.Load()
			a, err := newApp(ctx, cfg, storeFlag == "mongo", logger(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			run, err := a.runs.FindExisting(ctx, userID, projectName, templateName)
			if err != nil {
				return fmt.Errorf("find run: %w", err)
			}
			branchID := run.CurrentBranchID

			state, err := a.drv.ModuleOutputs(ctx, run.RunID, branchID)
			if err != nil {
				return fmt.Errorf("derive state: %w", err)
			}

			outcome, err := a.inter.Respond(ctx, run.RunID, branchID, def, response, state)
			if err != nil {
				return fmt.Errorf("respond: %w", err)
			}

			return printOutcome(run.RunID, branchID, outcome)
		},
	}

	cmd.Flags().StringVar(&workflowFile, "workflow-file", "", "path to a JSON or YAML workflow definition")
	cmd.Flags().StringVar(&responseFile, "response-file", "", "path to a JSON or YAML interaction response")
	cmd.Flags().StringVar(&userID, "user", "demo-user", "run owner")
	cmd.Flags().StringVar(&projectName, "project", "demo-project", "project name the run belongs to")

	return cmd
}
