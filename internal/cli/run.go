package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/pipeline"
)

var runLayerName string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process queued addresses through the enrichment layers",
	Long: `Drain the pending queue through the enrichment layers in order:
expansion, behavioral, osint. Each address is committed independently,
so one failure never blocks the rest of a batch.

Examples:
  whaletrace run
  whaletrace run --layer behavioral`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runLayerName, "layer", "", "run a single layer (expansion, behavioral, osint)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	runner := newRunner()

	var (
		summary *pipeline.Summary
		err     error
	)
	if runLayerName != "" {
		summary, err = runner.RunLayer(ctx, runLayerName)
	} else {
		summary, err = runner.Run(ctx)
	}
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	fmt.Printf("Processed %d addresses: %d completed, %d failed\n",
		summary.Processed, summary.Completed, summary.Failed)

	failed, err := runner.Failed(ctx)
	if err != nil {
		return fmt.Errorf("list failed tasks: %w", err)
	}
	for _, task := range failed {
		fmt.Printf("  gave up on %s (%s): %s\n", task.Address, task.Layer, task.LastError)
	}
	return nil
}
