package detect_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/detect"
	"github.com/tracelabs/whaletrace/internal/driver"
	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/graph/graphtest"
)

// flakyDriver fails cluster lookups on demand so transient backend errors can
// be told apart from genuinely missing clusters.
type flakyDriver struct {
	*graphtest.Driver
	fail bool
}

func (d *flakyDriver) Run(ctx context.Context, query string, params map[string]any) ([]driver.Record, error) {
	if d.fail && query == driver.GetClusterQuery {
		return nil, errors.New("connection reset by peer")
	}
	return d.Driver.Run(ctx, query, params)
}

func TestMergePairSurfacesDriverErrors(t *testing.T) {
	fd := &flakyDriver{Driver: graphtest.NewDriver()}
	store := graph.NewStore(fd, nil)
	ctx := context.Background()

	first, _, err := store.CreateCluster(ctx, graph.Cluster{
		DetectionMethods: []string{"common_funder"}, Confidence: 0.8,
	}, []string{"0xa"})
	require.NoError(t, err)

	second, _, err := store.CreateCluster(ctx, graph.Cluster{
		DetectionMethods: []string{"shared_deposit"}, Confidence: 0.9,
	}, []string{"0xb"})
	require.NoError(t, err)

	merger := detect.NewMerger(store, nil)

	// A transient lookup failure must surface, not read as "already merged".
	fd.fail = true
	merged, err := merger.MergePair(ctx, first.ID, second.ID)
	require.Error(t, err)
	assert.False(t, merged)

	// Both clusters are still intact and mergeable once the backend recovers.
	fd.fail = false
	merged, err = merger.MergePair(ctx, first.ID, second.ID)
	require.NoError(t, err)
	assert.True(t, merged)
}

func TestMergePairMissingClusterIsNoOp(t *testing.T) {
	store := graph.NewStore(graphtest.NewDriver(), nil)
	ctx := context.Background()

	first, _, err := store.CreateCluster(ctx, graph.Cluster{
		DetectionMethods: []string{"common_funder"}, Confidence: 0.8,
	}, []string{"0xa"})
	require.NoError(t, err)

	merger := detect.NewMerger(store, nil)

	merged, err := merger.MergePair(ctx, first.ID, "gone")
	require.NoError(t, err)
	assert.False(t, merged)

	merged, err = merger.MergePair(ctx, "gone", first.ID)
	require.NoError(t, err)
	assert.False(t, merged)
}
