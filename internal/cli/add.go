package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <address>...",
	Short: "Queue addresses for enrichment",
	Long: `Queue one or more addresses for every enrichment layer. Addresses are
lowercased before they enter the graph.

Examples:
  whaletrace add 0xBEEF...
  whaletrace add 0xBEEF... 0xCAFE...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	runner := newRunner()

	for _, addr := range args {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if err := runner.Enqueue(ctx, addr); err != nil {
			return fmt.Errorf("enqueue %s: %w", addr, err)
		}
		fmt.Printf("Queued %s\n", addr)
	}
	return nil
}
