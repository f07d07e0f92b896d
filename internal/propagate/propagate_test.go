package propagate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/graph/graphtest"
	"github.com/tracelabs/whaletrace/internal/propagate"
)

func newEngine(t *testing.T) (*propagate.Engine, *graph.Store) {
	t.Helper()
	store := graph.NewStore(graphtest.NewDriver(), nil)
	return propagate.NewEngine(store, nil, propagate.Config{}), store
}

func addRel(t *testing.T, store *graph.Store, src, dst string, typ graph.RelationshipType, conf float64) {
	t.Helper()
	_, err := store.AddRelationship(context.Background(), graph.Relationship{
		Source: src, Target: dst, Type: typ, Confidence: conf,
	})
	require.NoError(t, err)
}

func sp(v string) *string   { return &v }
func fp(v float64) *float64 { return &v }

func TestPropagateDiscountsPerHop(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	addRel(t, store, "0xb", "0xa", graph.RelFundedBy, 0.9)
	addRel(t, store, "0xc", "0xb", graph.RelFundedBy, 0.6)

	_, err := store.UpsertEntity(ctx, graph.EntityUpdate{
		Address: "0xa", Identity: sp("Acme Fund"), Confidence: fp(0.9), Manual: true,
	})
	require.NoError(t, err)

	res, err := engine.Run(ctx, []propagate.Seed{{Address: "0xA", Identity: "Acme Fund", Confidence: 0.9}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Labeled)

	b, err := store.GetEntity(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund (propagated)", b.Identity)
	assert.InDelta(t, 0.9*0.75, b.Confidence, 1e-9)

	c, err := store.GetEntity(ctx, "0xc")
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund (propagated)", c.Identity)
	assert.InDelta(t, 0.9*0.75*0.75, c.Confidence, 1e-9)
}

func TestPropagateStopsBelowFloor(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	addRel(t, store, "0xb", "0xa", graph.RelFundedBy, 0.9)
	addRel(t, store, "0xc", "0xb", graph.RelFundedBy, 0.6)

	// 0.5 * 0.75 = 0.375 reaches 0xb; the next hop lands at 0.281, under the
	// 0.30 floor.
	_, err := engine.Run(ctx, []propagate.Seed{{Address: "0xa", Identity: "Acme Fund", Confidence: 0.5}})
	require.NoError(t, err)

	b, err := store.GetEntity(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund (propagated)", b.Identity)

	c, err := store.GetEntity(ctx, "0xc")
	require.NoError(t, err)
	assert.Empty(t, c.Identity)
}

func TestPropagateIsIdempotent(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	addRel(t, store, "0xb", "0xa", graph.RelFundedBy, 0.9)
	seeds := []propagate.Seed{{Address: "0xa", Identity: "Acme Fund", Confidence: 0.9}}

	_, err := engine.Run(ctx, seeds)
	require.NoError(t, err)
	first, err := store.GetEntity(ctx, "0xb")
	require.NoError(t, err)
	evsBefore, err := store.EvidenceFor(ctx, "0xb")
	require.NoError(t, err)

	res, err := engine.Run(ctx, seeds)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Labeled)

	second, err := store.GetEntity(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Identity, second.Identity)
	assert.False(t, strings.Contains(second.Identity, "(propagated) (propagated)"))

	evsAfter, err := store.EvidenceFor(ctx, "0xb")
	require.NoError(t, err)
	assert.Len(t, evsAfter, len(evsBefore))
}

func TestPropagateKeepsMaxOverPaths(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// Triangle: 0xc is reachable directly and through 0xb; it must keep the
	// single-hop confidence, and the cycle must not loop forever.
	addRel(t, store, "0xa", "0xb", graph.RelSameEntity, 0.9)
	addRel(t, store, "0xb", "0xc", graph.RelSameEntity, 0.9)
	addRel(t, store, "0xc", "0xa", graph.RelSameEntity, 0.9)

	_, err := engine.Run(ctx, []propagate.Seed{{Address: "0xa", Identity: "Whale", Confidence: 0.9}})
	require.NoError(t, err)

	c, err := store.GetEntity(ctx, "0xc")
	require.NoError(t, err)
	assert.InDelta(t, 0.9*0.95, c.Confidence, 1e-9)
}

func TestPropagateDirectEdgeDoesNotCapConfidence(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// 0xx hangs off the seed via a direct change_address edge (weight 0.80)
	// and via two same_entity hops (0.95 * 0.95). The stronger indirect path
	// sets the confidence; the direct edge only matters when identities
	// compete.
	addRel(t, store, "0xx", "0xa", graph.RelChangeAddress, 0.9)
	addRel(t, store, "0xa", "0xb", graph.RelSameEntity, 0.9)
	addRel(t, store, "0xb", "0xx", graph.RelSameEntity, 0.9)

	_, err := engine.Run(ctx, []propagate.Seed{{Address: "0xa", Identity: "Whale", Confidence: 1.0}})
	require.NoError(t, err)

	x, err := store.GetEntity(ctx, "0xx")
	require.NoError(t, err)
	assert.Equal(t, "Whale (propagated)", x.Identity)
	assert.InDelta(t, 0.95*0.95, x.Confidence, 1e-9)
}

func TestPropagateDirectEdgeSurvivesMaxPath(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// Seed one reaches 0xx both directly (change_address, 0.80) and through a
	// stronger same_entity detour (0.9025). Seed two reaches it at 0.95
	// through one same_entity hop. The direct evidence still wins the
	// conflict even though the winning confidence came from the detour.
	addRel(t, store, "0xx", "0xs1", graph.RelChangeAddress, 0.9)
	addRel(t, store, "0xs1", "0xm", graph.RelSameEntity, 0.9)
	addRel(t, store, "0xm", "0xx", graph.RelSameEntity, 0.9)
	addRel(t, store, "0xx", "0xs2", graph.RelSameEntity, 0.9)

	_, err := engine.Run(ctx, []propagate.Seed{
		{Address: "0xs1", Identity: "Alpha", Confidence: 1.0},
		{Address: "0xs2", Identity: "Beta", Confidence: 1.0},
	})
	require.NoError(t, err)

	x, err := store.GetEntity(ctx, "0xx")
	require.NoError(t, err)
	assert.Equal(t, "Alpha (propagated)", x.Identity)
	assert.InDelta(t, 0.95*0.95, x.Confidence, 1e-9)
}

func TestPropagateClusterMemberSuffix(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	addRel(t, store, "0xa", "0xb", graph.RelSameCluster, 0.9)

	_, err := engine.Run(ctx, []propagate.Seed{{Address: "0xa", Identity: "Acme Fund", Confidence: 0.9}})
	require.NoError(t, err)

	b, err := store.GetEntity(ctx, "0xb")
	require.NoError(t, err)
	assert.Equal(t, "Acme Fund (cluster member)", b.Identity)
}

func TestPropagateDirectEvidenceWinsConflict(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// 0xx is one change_address hop from seed one and one funded_by hop from
	// a higher-confidence seed two. Direct evidence wins despite the lower
	// propagated confidence, and the loser is recorded, not discarded.
	addRel(t, store, "0xx", "0xs1", graph.RelChangeAddress, 0.8)
	addRel(t, store, "0xx", "0xs2", graph.RelFundedBy, 0.8)

	_, err := engine.Run(ctx, []propagate.Seed{
		{Address: "0xs1", Identity: "Alpha", Confidence: 0.6},
		{Address: "0xs2", Identity: "Beta", Confidence: 0.95},
	})
	require.NoError(t, err)

	x, err := store.GetEntity(ctx, "0xx")
	require.NoError(t, err)
	assert.Equal(t, "Alpha (propagated)", x.Identity)
	assert.InDelta(t, 0.6*0.80, x.Confidence, 1e-9)

	evs, err := store.EvidenceFor(ctx, "0xx")
	require.NoError(t, err)
	var rejection string
	for _, ev := range evs {
		if strings.Contains(ev.Claim, "rejected") {
			rejection = ev.Claim
		}
	}
	assert.Contains(t, rejection, `"Beta"`)
	assert.Contains(t, rejection, "direct evidence")
}

func TestPropagateNeverOverwritesManualIdentity(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	addRel(t, store, "0xx", "0xa", graph.RelFundedBy, 0.9)
	_, err := store.UpsertEntity(ctx, graph.EntityUpdate{
		Address: "0xx", Identity: sp("Known Trader"), Confidence: fp(0.95), Manual: true,
	})
	require.NoError(t, err)

	res, err := engine.Run(ctx, []propagate.Seed{{Address: "0xa", Identity: "Acme Fund", Confidence: 0.9}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Labeled)
	assert.Equal(t, 1, res.Rejected)

	x, err := store.GetEntity(ctx, "0xx")
	require.NoError(t, err)
	assert.Equal(t, "Known Trader", x.Identity)

	evs, err := store.EvidenceFor(ctx, "0xx")
	require.NoError(t, err)
	var found bool
	for _, ev := range evs {
		if strings.Contains(ev.Claim, "manually set identity") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSplitLabelCollapsesNestedSuffixes(t *testing.T) {
	base, machine := propagate.SplitLabel("Acme Fund (propagated) (propagated)")
	assert.Equal(t, "Acme Fund", base)
	assert.True(t, machine)

	base, machine = propagate.SplitLabel("Acme Fund (cluster member)")
	assert.Equal(t, "Acme Fund", base)
	assert.True(t, machine)

	base, machine = propagate.SplitLabel("Acme Fund")
	assert.Equal(t, "Acme Fund", base)
	assert.False(t, machine)
}
