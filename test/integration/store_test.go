//go:build integration

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/driver"
	"github.com/tracelabs/whaletrace/internal/graph"
)

// newStore connects to the Memgraph named by MEMGRAPH_URI, skipping the test
// when none is configured.
func newStore(t *testing.T) *graph.Store {
	t.Helper()
	_ = godotenv.Load("../../.env")

	uri := os.Getenv("MEMGRAPH_URI")
	if uri == "" {
		t.Skip("Skipping integration test: MEMGRAPH_URI not set")
	}
	user := os.Getenv("MEMGRAPH_USER")
	pwd := os.Getenv("MEMGRAPH_PASSWORD")

	ctx := context.Background()
	d, err := driver.NewMemgraphDriver(ctx, uri, user, pwd, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })

	store := graph.NewStore(d, slog.Default())
	require.NoError(t, store.InitSchema(ctx))
	return store
}

// addr returns a unique fake address so runs never collide with leftovers
// from earlier runs.
func addr(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("0x%s", uuid.NewString())
}

func TestEntityConfidenceIsMonotonic(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	a := addr(t)

	high := 0.8
	_, err := store.UpsertEntity(ctx, graph.EntityUpdate{Address: a, Confidence: &high})
	require.NoError(t, err)

	low := 0.3
	_, err = store.UpsertEntity(ctx, graph.EntityUpdate{Address: a, Confidence: &low})
	require.ErrorIs(t, err, graph.ErrConfidenceDowngrade)

	// A manual write may lower confidence.
	_, err = store.UpsertEntity(ctx, graph.EntityUpdate{Address: a, Confidence: &low, Manual: true})
	require.NoError(t, err)

	ent, err := store.GetEntity(ctx, a)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, ent.Confidence, 1e-9)
}

func TestRelationshipKeepsMaxConfidence(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	a, b := addr(t), addr(t)

	written, err := store.AddRelationship(ctx, graph.Relationship{
		Source: a, Target: b, Type: graph.RelFundedBy, Confidence: 0.6,
	})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = store.AddRelationship(ctx, graph.Relationship{
		Source: a, Target: b, Type: graph.RelFundedBy, Confidence: 0.4,
	})
	require.NoError(t, err)
	assert.False(t, written)

	rels, err := store.Relationships(ctx, a)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.InDelta(t, 0.6, rels[0].Confidence, 1e-9)
}

func TestClusterMergeLeavesNoAbsorbedReferences(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	a, b, c := addr(t), addr(t), addr(t)

	first, _, err := store.CreateCluster(ctx, graph.Cluster{
		DetectionMethods: []string{"common_funder"}, Confidence: 0.8,
	}, []string{a, b})
	require.NoError(t, err)

	second, _, err := store.CreateCluster(ctx, graph.Cluster{
		DetectionMethods: []string{"shared_deposit"}, Confidence: 0.9,
	}, []string{c})
	require.NoError(t, err)

	require.NoError(t, store.MergeClusters(ctx, first.ID, []string{second.ID}))

	refs, err := store.ClusterRefCount(ctx, second.ID)
	require.NoError(t, err)
	assert.Zero(t, refs)

	members, err := store.ClusterMembers(ctx, first.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b, c}, members)

	merged, err := store.GetCluster(ctx, first.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"common_funder", "shared_deposit"}, merged.DetectionMethods)
}

func TestEvidenceKeepsStrongestSignalAcrossSources(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	a := addr(t)

	signals := map[string]float64{"onchain": 0.5, "osint": 0.6, "clustering": 0.7}
	for src, conf := range signals {
		_, err := store.AddEvidence(ctx, graph.Evidence{
			EntityAddress: a,
			Source:        src,
			Claim:         fmt.Sprintf("signal from %s", src),
			Confidence:    conf,
		})
		require.NoError(t, err)
	}

	bag, err := store.EvidenceFor(ctx, a)
	require.NoError(t, err)
	require.Len(t, bag, 3)
	assert.InDelta(t, 0.7, graph.CombineEvidence(bag), 1e-9)

	ent, err := store.GetEntity(ctx, a)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, ent.Confidence, 1e-9)
}
