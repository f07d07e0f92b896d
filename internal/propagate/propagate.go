// Package propagate spreads identity labels through the relationship graph,
// discounting confidence per hop by relationship type.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tracelabs/whaletrace/internal/graph"
)

// weights discount a label per traversed hop. Unlisted edge types stop the
// traversal.
var weights = map[graph.RelationshipType]float64{
	graph.RelSameEntity:          0.95,
	graph.RelDeployedBy:          0.90,
	graph.RelSameCluster:         0.90,
	graph.RelSharedDeposits:      0.90,
	graph.RelTemporalCorrelation: 0.85,
	graph.RelChangeAddress:       0.80,
	graph.RelCounterpartyOverlap: 0.80,
	graph.RelFundedBy:            0.75,
}

// Weight returns the per-hop multiplier for an edge type, zero when the type
// does not carry labels.
func Weight(t graph.RelationshipType) float64 {
	return weights[t]
}

// Config tunes the propagation engine.
type Config struct {
	// Floor stops a branch once propagated confidence drops below it.
	Floor float64
}

func DefaultConfig() Config {
	return Config{Floor: 0.30}
}

// Seed is a known identity to propagate from.
type Seed struct {
	Address    string
	Identity   string
	Confidence float64
}

// Engine traverses the relationship graph breadth-first from each seed and
// writes discounted labels as entities plus propagated evidence.
type Engine struct {
	store *graph.Store
	log   *slog.Logger
	cfg   Config
}

func NewEngine(store *graph.Store, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultConfig().Floor
	}
	return &Engine{store: store, log: log, cfg: cfg}
}

// Result summarizes one propagation pass.
type Result struct {
	Labeled  int `json:"labeled"`
	Rejected int `json:"rejected"`
}

type candidate struct {
	seed     Seed
	conf     float64
	depth    int
	lastType graph.RelationshipType
	// directEdge marks a seed that also reaches the address through a single
	// change_address or deployed_by hop, whatever path carried the maximum
	// confidence.
	directEdge bool
}

// direct reports whether the seed has one-hop change_address or deployed_by
// evidence for this address. Direct evidence outranks multi-hop propagation
// when competing identities are resolved; within one seed the confidence
// stays the maximum over all paths.
func (c candidate) direct() bool {
	return c.directEdge
}

// Run propagates every seed, resolves competing labels, and persists the
// winners. Running twice over an unchanged graph yields identical confidences
// and no duplicate evidence.
func (e *Engine) Run(ctx context.Context, seeds []Seed) (*Result, error) {
	byAddr := map[string][]candidate{}
	seedSet := map[string]bool{}
	for _, s := range seeds {
		s.Address = graph.NormalizeAddress(s.Address)
		seedSet[s.Address] = true
	}

	for _, s := range seeds {
		s.Address = graph.NormalizeAddress(s.Address)
		s.Identity, _ = SplitLabel(s.Identity)
		if s.Identity == "" || s.Confidence <= 0 {
			continue
		}
		reached, err := e.traverse(ctx, s)
		if err != nil {
			return nil, err
		}
		for addr, cand := range reached {
			if seedSet[addr] {
				continue
			}
			byAddr[addr] = append(byAddr[addr], cand)
		}
	}

	res := &Result{}
	for _, addr := range sortedKeys(byAddr) {
		if err := e.writeLabel(ctx, addr, byAddr[addr], res); err != nil {
			return res, err
		}
	}
	e.log.Info("propagation pass complete", "seeds", len(seeds), "labeled", res.Labeled, "rejected", res.Rejected)
	return res, nil
}

// traverse runs a label-correcting BFS from one seed. A node keeps the
// maximum confidence over all paths, and the visited-best map guarantees
// termination on cycles since per-hop weights are below one.
func (e *Engine) traverse(ctx context.Context, seed Seed) (map[string]candidate, error) {
	type node struct {
		addr  string
		conf  float64
		depth int
	}

	best := map[string]candidate{}
	visited := map[string]float64{seed.Address: seed.Confidence}
	queue := []node{{addr: seed.Address, conf: seed.Confidence}}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		neighbors, err := e.store.Neighbors(ctx, n.addr)
		if err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", n.addr, err)
		}
		for _, nb := range neighbors {
			w := Weight(nb.Type)
			if w == 0 {
				continue
			}
			conf := n.conf * w
			if conf < e.cfg.Floor {
				continue
			}
			if prev, ok := visited[nb.Address]; ok && prev >= conf {
				continue
			}
			visited[nb.Address] = conf

			cand := candidate{
				seed:     seed,
				conf:     conf,
				depth:    n.depth + 1,
				lastType: nb.Type,
				directEdge: n.depth == 0 &&
					(nb.Type == graph.RelChangeAddress || nb.Type == graph.RelDeployedBy),
			}
			// The node keeps the maximum confidence over all paths. A direct
			// edge seen on an earlier, weaker path still counts as direct
			// evidence for conflict resolution.
			if cur, ok := best[nb.Address]; ok {
				cand.directEdge = cand.directEdge || cur.directEdge
			}
			best[nb.Address] = cand
			queue = append(queue, node{addr: nb.Address, conf: conf, depth: n.depth + 1})
		}
	}
	return best, nil
}

func better(a, b candidate) bool {
	if a.direct() != b.direct() {
		return a.direct()
	}
	return a.conf > b.conf
}

func (e *Engine) writeLabel(ctx context.Context, addr string, cands []candidate, res *Result) error {
	winner, losers := e.pickWinner(ctx, addr, cands)

	ent, err := e.store.GetEntity(ctx, addr)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return err
	}

	// A stored identity without a machine suffix was set by hand; propagation
	// never overwrites it, only records the competing hypothesis.
	keepIdentity := false
	if ent != nil && ent.Identity != "" {
		base, machine := SplitLabel(ent.Identity)
		if !machine && base != winner.seed.Identity {
			losers = append(losers, winner)
			winner = candidate{}
		} else if !machine {
			keepIdentity = true
		} else if base != winner.seed.Identity {
			// The stored machine label lost to the new winner.
			res.Rejected++
		}
	}

	if winner.seed.Identity == "" {
		for _, l := range losers {
			if err := e.recordRejection(ctx, addr, winner, l); err != nil {
				return err
			}
			res.Rejected++
		}
		return nil
	}

	label := winner.seed.Identity + suffixFor(winner.lastType)
	update := graph.EntityUpdate{Address: addr}
	if !keepIdentity {
		update.Identity = &label
	}
	if ent == nil || winner.conf > ent.Confidence {
		update.Confidence = &winner.conf
	}
	if update.Identity != nil || update.Confidence != nil {
		if _, err := e.store.UpsertEntity(ctx, update); err != nil {
			return fmt.Errorf("label %s: %w", addr, err)
		}
	}

	claim := fmt.Sprintf("identity %q from %s via %s at depth %d (confidence %.3f)",
		label, winner.seed.Address, winner.lastType, winner.depth, winner.conf)
	added, err := e.addEvidenceOnce(ctx, addr, claim, winner.conf)
	if err != nil {
		return err
	}
	if added {
		res.Labeled++
	}

	for _, l := range losers {
		if err := e.recordRejection(ctx, addr, winner, l); err != nil {
			return err
		}
		res.Rejected++
	}
	return nil
}

// pickWinner orders candidates by direct evidence, then confidence, then a
// behavioral timezone match with the seed as a final tiebreak.
func (e *Engine) pickWinner(ctx context.Context, addr string, cands []candidate) (candidate, []candidate) {
	sort.Slice(cands, func(i, j int) bool { return better(cands[i], cands[j]) })

	winner := cands[0]
	if len(cands) > 1 {
		second := cands[1]
		tied := winner.direct() == second.direct() && winner.conf == second.conf
		if tied {
			tz := e.timezoneOf(ctx, addr)
			if tz != "" && e.timezoneOf(ctx, second.seed.Address) == tz &&
				e.timezoneOf(ctx, winner.seed.Address) != tz {
				cands[0], cands[1] = second, winner
				winner = cands[0]
			}
		}
	}
	return winner, cands[1:]
}

func (e *Engine) recordRejection(ctx context.Context, addr string, winner, loser candidate) error {
	reason := "lower propagated confidence"
	switch {
	case winner.seed.Identity == "":
		reason = "manually set identity takes precedence"
	case winner.direct() && !loser.direct():
		reason = "direct evidence outranks multi-hop propagation"
	}
	// Confidence zero: a rejected hypothesis must not raise the entity's
	// aggregated confidence. The losing number lives in the claim text.
	claim := fmt.Sprintf("rejected identity %q from %s (confidence %.3f): %s",
		loser.seed.Identity, loser.seed.Address, loser.conf, reason)
	_, err := e.addEvidenceOnce(ctx, addr, claim, 0)
	return err
}

// addEvidenceOnce appends propagated evidence unless an identical claim is
// already recorded, keeping repeated runs from piling up duplicates.
func (e *Engine) addEvidenceOnce(ctx context.Context, addr, claim string, conf float64) (bool, error) {
	existing, err := e.store.EvidenceFor(ctx, addr)
	if err != nil {
		return false, err
	}
	for _, ev := range existing {
		if ev.Source == "propagated" && ev.Claim == claim {
			return false, nil
		}
	}
	_, err = e.store.AddEvidence(ctx, graph.Evidence{
		EntityAddress: addr,
		Source:        "propagated",
		Claim:         claim,
		Confidence:    conf,
	})
	return err == nil, err
}

func (e *Engine) timezoneOf(ctx context.Context, addr string) string {
	evs, err := e.store.EvidenceFor(ctx, addr)
	if err != nil {
		return ""
	}
	for _, ev := range evs {
		if ev.Source != "behavioral" {
			continue
		}
		if i := strings.Index(ev.Claim, "UTC"); i >= 0 {
			return strings.Fields(ev.Claim[i:])[0]
		}
	}
	return ""
}

var machineSuffixes = []string{" (propagated)", " (cluster member)"}

// SplitLabel strips any machine suffixes from an identity and reports whether
// one was present. Stripping repeats so an accidentally nested suffix still
// collapses to the bare identity.
func SplitLabel(identity string) (string, bool) {
	machine := false
	for {
		stripped := false
		for _, suf := range machineSuffixes {
			if strings.HasSuffix(identity, suf) {
				identity = strings.TrimSuffix(identity, suf)
				machine = true
				stripped = true
			}
		}
		if !stripped {
			return identity, machine
		}
	}
}

func suffixFor(lastType graph.RelationshipType) string {
	if lastType == graph.RelSameCluster {
		return " (cluster member)"
	}
	return " (propagated)"
}

func sortedKeys(m map[string][]candidate) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
