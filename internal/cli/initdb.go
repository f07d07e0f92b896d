package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create graph constraints and indexes",
	Long: `Create the uniqueness constraints and lookup indexes the knowledge graph
relies on. Safe to run repeatedly; existing constraints are left alone.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := store.InitSchema(context.Background()); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	fmt.Println("Schema initialized.")
	return nil
}
