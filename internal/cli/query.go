package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/graph"
)

var queryIdentity string

var queryCmd = &cobra.Command{
	Use:   "query [address]",
	Short: "Show everything the graph knows about an address",
	Long: `Print the entity record, its cluster membership, its typed relationships,
and every piece of evidence collected for an address. With --identity,
list identified entities whose identity contains the given string instead.

Examples:
  whaletrace query 0xbeef...
  whaletrace query --identity "Acme"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryIdentity, "identity", "", "search identified entities by identity substring")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if queryIdentity != "" {
		return queryByIdentity(ctx, queryIdentity)
	}
	if len(args) == 0 {
		return fmt.Errorf("provide an address or --identity")
	}
	address := strings.ToLower(strings.TrimSpace(args[0]))

	entity, err := store.GetEntity(ctx, address)
	if errors.Is(err, graph.ErrNotFound) {
		fmt.Printf("No entity for %s\n", address)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get entity: %w", err)
	}

	identity := entity.Identity
	if identity == "" {
		identity = "(unidentified)"
	}
	fmt.Printf("%s\n", entity.Address)
	fmt.Printf("  identity:   %s\n", identity)
	fmt.Printf("  type:       %s\n", entity.EntityType)
	fmt.Printf("  confidence: %.2f\n", entity.Confidence)
	if entity.ENSName != "" {
		fmt.Printf("  ens:        %s\n", entity.ENSName)
	}

	if entity.ClusterID != "" {
		members, err := store.ClusterMembers(ctx, entity.ClusterID)
		if err != nil {
			return fmt.Errorf("cluster members: %w", err)
		}
		fmt.Printf("  cluster:    %s (%d members)\n", entity.ClusterID, len(members))
	}

	rels, err := store.Relationships(ctx, address)
	if err != nil {
		return fmt.Errorf("relationships: %w", err)
	}
	if len(rels) > 0 {
		fmt.Println("\nRelationships:")
		for _, rel := range rels {
			fmt.Printf("  %s -[%s %.2f]-> %s\n", rel.Source, rel.Type, rel.Confidence, rel.Target)
		}
	}

	bag, err := store.EvidenceFor(ctx, address)
	if err != nil {
		return fmt.Errorf("evidence: %w", err)
	}
	if len(bag) > 0 {
		fmt.Println("\nEvidence:")
		for _, ev := range bag {
			fmt.Printf("  [%s %.2f] %s\n", ev.Source, ev.Confidence, ev.Claim)
		}
		fmt.Printf("Combined confidence: %.2f\n", graph.CombineEvidence(bag))
	}
	return nil
}

func queryByIdentity(ctx context.Context, needle string) error {
	entities, err := store.IdentifiedEntities(ctx)
	if err != nil {
		return fmt.Errorf("list identified entities: %w", err)
	}

	needle = strings.ToLower(needle)
	found := 0
	for _, entity := range entities {
		if !strings.Contains(strings.ToLower(entity.Identity), needle) {
			continue
		}
		fmt.Printf("%s  %-30s %s %.2f\n", entity.Address, entity.Identity, entity.EntityType, entity.Confidence)
		found++
	}
	if found == 0 {
		fmt.Printf("No identities matching %q\n", needle)
	}
	return nil
}
