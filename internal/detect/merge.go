package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracelabs/whaletrace/internal/graph"
)

// Merger reconciles clusters that turn out to describe the same controller.
type Merger struct {
	store *graph.Store
	log   *slog.Logger
}

func NewMerger(store *graph.Store, log *slog.Logger) *Merger {
	if log == nil {
		log = slog.Default()
	}
	return &Merger{store: store, log: log}
}

// MergePair merges two clusters that share a member or a strong cross-cluster
// relationship. The cluster with higher confidence survives; member count and
// then lexicographic id break ties. Merging an already-merged pair is a no-op,
// so callers may retry freely.
func (m *Merger) MergePair(ctx context.Context, a, b string) (merged bool, err error) {
	if a == b || a == "" || b == "" {
		return false, nil
	}

	ca, err := m.store.GetCluster(ctx, a)
	if errors.Is(err, graph.ErrNotFound) {
		return false, nil // already absorbed
	}
	if err != nil {
		return false, fmt.Errorf("get cluster %s: %w", a, err)
	}
	cb, err := m.store.GetCluster(ctx, b)
	if errors.Is(err, graph.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cluster %s: %w", b, err)
	}

	membersA, err := m.store.ClusterMembers(ctx, a)
	if err != nil {
		return false, err
	}
	membersB, err := m.store.ClusterMembers(ctx, b)
	if err != nil {
		return false, err
	}

	surviving, absorbed := a, b
	if !survives(ca.Confidence, len(membersA), a, cb.Confidence, len(membersB), b) {
		surviving, absorbed = b, a
	}

	conf := ca.Confidence
	if cb.Confidence > conf {
		conf = cb.Confidence
	}
	if err := m.store.LinkClusters(ctx, surviving, absorbed, conf, "cluster_merge"); err != nil {
		return false, fmt.Errorf("link clusters %s %s: %w", surviving, absorbed, err)
	}
	if err := m.store.MergeClusters(ctx, surviving, []string{absorbed}); err != nil {
		return false, fmt.Errorf("merge clusters %s %s: %w", surviving, absorbed, err)
	}
	m.log.Info("reconciled overlapping clusters", "surviving", surviving, "absorbed", absorbed)
	return true, nil
}

func survives(confA float64, sizeA int, idA string, confB float64, sizeB int, idB string) bool {
	if confA != confB {
		return confA > confB
	}
	if sizeA != sizeB {
		return sizeA > sizeB
	}
	return idA < idB
}
