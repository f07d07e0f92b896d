package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/propagate"
)

var propagateCmd = &cobra.Command{
	Use:   "propagate [address]...",
	Short: "Propagate known identities along weighted relationships",
	Long: `Spread identities from seed addresses across the relationship graph,
discounting confidence per hop. With no arguments, every entity that
carries a plain identity is used as a seed.

Examples:
  whaletrace propagate
  whaletrace propagate 0xbeef...`,
	RunE: runPropagate,
}

func init() {
	rootCmd.AddCommand(propagateCmd)
}

func runPropagate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	var seeds []propagate.Seed
	if len(args) > 0 {
		for _, addr := range args {
			addr = strings.ToLower(strings.TrimSpace(addr))
			entity, err := store.GetEntity(ctx, addr)
			if err != nil {
				return fmt.Errorf("get seed %s: %w", addr, err)
			}
			if entity.Identity == "" {
				return fmt.Errorf("seed %s carries no identity", addr)
			}
			seeds = append(seeds, propagate.Seed{
				Address:    entity.Address,
				Identity:   entity.Identity,
				Confidence: entity.Confidence,
			})
		}
	} else {
		var err error
		seeds, err = identifiedSeeds(ctx)
		if err != nil {
			return err
		}
	}

	if len(seeds) == 0 {
		fmt.Println("No identified addresses to propagate from.")
		return nil
	}

	result, err := newPropagator().Run(ctx, seeds)
	if err != nil {
		return fmt.Errorf("propagate: %w", err)
	}
	fmt.Printf("Labeled %d addresses, rejected %d competing hypotheses\n",
		result.Labeled, result.Rejected)
	return nil
}

// identifiedSeeds uses every entity whose identity was set directly, not
// propagated, as a seed.
func identifiedSeeds(ctx context.Context) ([]propagate.Seed, error) {
	entities, err := store.IdentifiedEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identified entities: %w", err)
	}
	seeds := make([]propagate.Seed, 0, len(entities))
	for _, entity := range entities {
		base, machine := propagate.SplitLabel(entity.Identity)
		if machine {
			continue
		}
		seeds = append(seeds, propagate.Seed{
			Address:    entity.Address,
			Identity:   base,
			Confidence: entity.Confidence,
		})
	}
	return seeds, nil
}
