package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/source"
)

// Engine runs every detector over a batch of transfers and applies the
// proposals through the graph store.
type Engine struct {
	store  *graph.Store
	merger *Merger
	log    *slog.Logger
	cfg    Config
}

func NewEngine(store *graph.Store, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:  store,
		merger: NewMerger(store, log),
		log:    log,
		cfg:    cfg.withDefaults(),
	}
}

// Result summarizes what one detection pass changed.
type Result struct {
	Relationships int `json:"relationships"`
	Clusters      int `json:"clusters"`
	Merges        int `json:"merges"`
}

// Run executes all five detectors and persists their output. contracts flags
// which addresses are known contracts, used to exclude protocol infrastructure
// from the shared-deposit heuristic.
func (e *Engine) Run(ctx context.Context, transfers []source.Transfer, contracts map[string]bool) (*Result, error) {
	transfers = normalized(transfers)
	contracts = normalizedSet(contracts)

	var props []Proposal
	var cands []Candidate

	p, c := CommonFunder(transfers, e.cfg)
	props, cands = append(props, p...), append(cands, c...)

	cands = append(cands, CircularFunding(transfers)...)

	p, c = SharedDeposit(transfers, contracts, e.cfg)
	props, cands = append(props, p...), append(cands, c...)

	props = append(props, TemporalCorrelation(actionTimes(transfers), e.cfg)...)
	props = append(props, CounterpartyOverlap(counterpartyWeights(transfers), e.cfg)...)

	res := &Result{}
	for _, prop := range props {
		if err := e.applyProposal(ctx, prop, res); err != nil {
			return res, err
		}
	}
	for _, cand := range cands {
		if err := e.applyCandidate(ctx, cand, res); err != nil {
			return res, err
		}
	}

	e.log.Info("detection pass complete",
		"transfers", len(transfers),
		"relationships", res.Relationships,
		"clusters", res.Clusters,
		"merges", res.Merges)
	return res, nil
}

func (e *Engine) applyProposal(ctx context.Context, prop Proposal, res *Result) error {
	written, err := e.store.AddRelationship(ctx, graph.Relationship{
		Source:      prop.Source,
		Target:      prop.Target,
		Type:        prop.Type,
		Confidence:  prop.Confidence,
		EvidenceRef: prop.EvidenceRef,
	})
	if err != nil {
		return fmt.Errorf("apply %s %s->%s: %w", prop.Type, prop.Source, prop.Target, err)
	}
	if written {
		res.Relationships++
	}

	// A strong direct link between members of two different clusters means the
	// clusters describe one controller.
	if prop.Confidence >= 0.90 {
		merged, err := e.mergeAcross(ctx, prop.Source, prop.Target)
		if err != nil {
			return err
		}
		if merged {
			res.Merges++
		}
	}
	return nil
}

func (e *Engine) mergeAcross(ctx context.Context, a, b string) (bool, error) {
	ca, err := e.clusterOf(ctx, a)
	if err != nil {
		return false, err
	}
	cb, err := e.clusterOf(ctx, b)
	if err != nil {
		return false, err
	}
	if ca == "" || cb == "" || ca == cb {
		return false, nil
	}
	return e.merger.MergePair(ctx, ca, cb)
}

func (e *Engine) clusterOf(ctx context.Context, address string) (string, error) {
	ent, err := e.store.GetEntity(ctx, address)
	if errors.Is(err, graph.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ent.ClusterID, nil
}

func (e *Engine) applyCandidate(ctx context.Context, cand Candidate, res *Result) error {
	cluster, conflicted, err := e.store.CreateCluster(ctx, graph.Cluster{
		DetectionMethods: []string{cand.Method},
		Confidence:       cand.Confidence,
	}, cand.Members)
	if err != nil {
		return fmt.Errorf("create cluster via %s: %w", cand.Method, err)
	}
	res.Clusters++

	conflictSet := map[string]bool{}
	for _, m := range conflicted {
		conflictSet[m] = true
	}

	assigned := make([]string, 0, len(cand.Members))
	for _, m := range cand.Members {
		m = graph.NormalizeAddress(m)
		if !conflictSet[m] {
			assigned = append(assigned, m)
		}
	}

	for i := 0; i < len(assigned); i++ {
		for j := i + 1; j < len(assigned); j++ {
			if _, err := e.store.AddRelationship(ctx, graph.Relationship{
				Source:      assigned[i],
				Target:      assigned[j],
				Type:        graph.RelSameCluster,
				Confidence:  cand.Confidence,
				EvidenceRef: cand.Method,
				ClusterID:   cluster.ID,
			}); err != nil {
				return err
			}
		}
	}
	for _, m := range assigned {
		if _, err := e.store.AddEvidence(ctx, graph.Evidence{
			EntityAddress: m,
			Source:        "clustering",
			Claim:         fmt.Sprintf("clustered with %d addresses via %s", len(cand.Members)-1, cand.Method),
			Confidence:    cand.Confidence,
		}); err != nil {
			return err
		}
	}

	// Members already claimed by another cluster trigger a merge between that
	// cluster and this one.
	for _, m := range conflicted {
		other, err := e.clusterOf(ctx, m)
		if err != nil {
			return err
		}
		merged, err := e.merger.MergePair(ctx, cluster.ID, other)
		if err != nil {
			return err
		}
		if merged {
			res.Merges++
		}
	}
	return nil
}

// actionTimes collects each sender's outgoing-transfer timestamps.
func actionTimes(transfers []source.Transfer) map[string][]time.Time {
	out := map[string][]time.Time{}
	for _, t := range transfers {
		if t.From == "" {
			continue
		}
		out[t.From] = append(out[t.From], t.Timestamp)
	}
	return out
}

// counterpartyWeights builds, for every observed sender, a counterparty ->
// interaction-count map covering both directions.
func counterpartyWeights(transfers []source.Transfer) map[string]map[string]float64 {
	tracked := map[string]bool{}
	for _, t := range transfers {
		if t.From != "" {
			tracked[t.From] = true
		}
	}

	out := map[string]map[string]float64{}
	add := func(addr, counterparty string) {
		if !tracked[addr] || counterparty == "" || addr == counterparty {
			return
		}
		if out[addr] == nil {
			out[addr] = map[string]float64{}
		}
		out[addr][counterparty]++
	}
	for _, t := range transfers {
		add(t.From, t.To)
		add(t.To, t.From)
	}
	return out
}

func normalized(transfers []source.Transfer) []source.Transfer {
	out := make([]source.Transfer, len(transfers))
	for i, t := range transfers {
		t.From = graph.NormalizeAddress(t.From)
		t.To = graph.NormalizeAddress(t.To)
		out[i] = t
	}
	return out
}

func normalizedSet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for k, v := range set {
		if v {
			out[graph.NormalizeAddress(k)] = true
		}
	}
	return out
}
