package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/graph"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export identified entities and their evidence as JSON",
	Long: `Write every identified entity, its cluster membership, and its full
evidence trail to a JSON report.

Examples:
  whaletrace export -o report.json
  whaletrace export            # writes to stdout`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}

type exportEntity struct {
	graph.Entity
	Evidence []graph.Evidence `json:"evidence,omitempty"`
}

type exportReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Entities    []exportEntity  `json:"entities"`
	Clusters    []graph.Cluster `json:"clusters,omitempty"`
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	entities, err := store.IdentifiedEntities(ctx)
	if err != nil {
		return fmt.Errorf("list identified entities: %w", err)
	}

	// One round trip for all evidence rather than a query per entity.
	addresses := make([]string, len(entities))
	for i, e := range entities {
		addresses[i] = e.Address
	}
	evidence, err := store.EvidenceForAddresses(ctx, addresses)
	if err != nil {
		return fmt.Errorf("fetch evidence: %w", err)
	}

	clusters, err := store.Clusters(ctx)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}

	report := exportReport{
		GeneratedAt: time.Now().UTC(),
		Entities:    make([]exportEntity, len(entities)),
		Clusters:    clusters,
	}
	for i, e := range entities {
		report.Entities[i] = exportEntity{Entity: e, Evidence: evidence[e.Address]}
	}

	out := os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if exportOut != "" {
		fmt.Fprintf(os.Stderr, "Exported %d entities to %s\n", len(report.Entities), exportOut)
	}
	return nil
}
