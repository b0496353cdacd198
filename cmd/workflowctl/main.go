// Command workflowctl is a demo CLI driving the workflow engine end to
// end: load a workflow definition from a JSON file, run it forward,
// respond to interactions, and inspect a run's event log and derived
// state. It exists to exercise the engine's public surface the way a
// real caller (an HTTP API, a worker) would, not as a production
// operator tool.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/workflowmanager/engine/telemetry"
)

var storeFlag string

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	root := newRootCommand(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflowctl",
		Short: "Drive the workflow engine from the command line",
	}
	cmd.PersistentFlags().StringVar(&storeFlag, "store", "mem", `backing store: "mem" or "mongo" (uses MONGO_URI/MONGO_DATABASE)`)

	cmd.AddCommand(
		newRunCommand(ctx),
		newResumeCommand(ctx),
		newEventsCommand(ctx),
		newStateCommand(ctx),
	)
	return cmd
}

func logger(ctx context.Context) telemetry.Logger {
	_ = ctx
	return telemetry.NewClueLogger()
}
