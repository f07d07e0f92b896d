package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph and queue counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := store.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}

	fmt.Printf("Entities:      %d (%d identified)\n", stats.Entities, stats.Identified)
	fmt.Printf("Clusters:      %d\n", stats.Clusters)
	fmt.Printf("Relationships: %d\n", stats.Relationships)
	fmt.Printf("Evidence:      %d\n", stats.Evidence)

	if len(stats.Tasks) > 0 {
		fmt.Println("Tasks:")
		statuses := make([]string, 0, len(stats.Tasks))
		for status := range stats.Tasks {
			statuses = append(statuses, status)
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Printf("  %-12s %d\n", status, stats.Tasks[status])
		}
	}
	return nil
}
