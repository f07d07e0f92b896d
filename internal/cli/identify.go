package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tracelabs/whaletrace/internal/graph"
)

var identifyConfidence float64

var identifyCmd = &cobra.Command{
	Use:   "identify <address> <identity>",
	Short: "Manually assign an identity to an address",
	Long: `Record a manually verified identity for an address. Manual identities are
never overwritten by propagation, and they make good propagation seeds.

Examples:
  whaletrace identify 0xbeef... "Acme Fund"
  whaletrace identify 0xbeef... "Acme Fund" --confidence 0.95`,
	Args: cobra.ExactArgs(2),
	RunE: runIdentify,
}

func init() {
	identifyCmd.Flags().Float64Var(&identifyConfidence, "confidence", 0.95, "confidence in the identity")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	address := strings.ToLower(strings.TrimSpace(args[0]))
	identity := strings.TrimSpace(args[1])
	if identity == "" {
		return fmt.Errorf("identity must not be empty")
	}

	err := store.Atomic(ctx, func(ctx context.Context, ops *graph.Ops) error {
		if _, err := ops.UpsertEntity(ctx, graph.EntityUpdate{
			Address:    address,
			Identity:   &identity,
			Confidence: &identifyConfidence,
			TypeSource: graph.TypeSourceManual,
			Manual:     true,
		}); err != nil {
			return err
		}
		_, err := ops.AddEvidence(ctx, graph.Evidence{
			EntityAddress: address,
			Source:        "manual",
			Claim:         fmt.Sprintf("manually identified as %q", identity),
			Confidence:    identifyConfidence,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("identify %s: %w", address, err)
	}

	fmt.Printf("Identified %s as %q (%.2f)\n", address, identity, identifyConfidence)
	return nil
}
