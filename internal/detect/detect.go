// Package detect runs clustering heuristics over observed transfers and
// proposes relationships and cluster candidates. Detectors are pure functions;
// every write goes through the graph store, which enforces the
// monotonic-confidence rule.
package detect

import (
	"sort"
	"time"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/source"
)

// Config tunes the heuristics. Zero values are replaced by DefaultConfig.
type Config struct {
	// FundingWindow bounds how far apart two first-fundings from a shared
	// funder may be and still count as one batch.
	FundingWindow time.Duration
	// TemporalWindow is the max timestamp delta for a correlated action pair.
	TemporalWindow time.Duration
	// DepositMaxFanIn is the highest distinct-sender count a destination may
	// have and still be treated as a personal deposit address. Anything above
	// is assumed to be a protocol or exchange hot wallet.
	DepositMaxFanIn int
	// NoiseFraction marks a counterparty as noise when more than this
	// fraction of the tracked population interacts with it.
	NoiseFraction float64
	// MinOverlap is the weighted-Jaccard similarity below which no
	// counterparty_overlap relationship is proposed.
	MinOverlap float64
}

func DefaultConfig() Config {
	return Config{
		FundingWindow:   time.Hour,
		TemporalWindow:  30 * time.Second,
		DepositMaxFanIn: 10,
		NoiseFraction:   0.02,
		MinOverlap:      0.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FundingWindow <= 0 {
		c.FundingWindow = d.FundingWindow
	}
	if c.TemporalWindow <= 0 {
		c.TemporalWindow = d.TemporalWindow
	}
	if c.DepositMaxFanIn <= 0 {
		c.DepositMaxFanIn = d.DepositMaxFanIn
	}
	if c.NoiseFraction <= 0 {
		c.NoiseFraction = d.NoiseFraction
	}
	if c.MinOverlap <= 0 {
		c.MinOverlap = d.MinOverlap
	}
	return c
}

// Proposal is one relationship a detector wants written.
type Proposal struct {
	Source      string
	Target      string
	Type        graph.RelationshipType
	Confidence  float64
	EvidenceRef string
}

// Candidate is a proposed cluster of addresses, tagged with the method that
// produced it.
type Candidate struct {
	Method     string
	Members    []string
	Confidence float64
}

// CommonFunder proposes a funded_by relationship for every (funder, recipient)
// pair and a cluster candidate whenever one funder first-funds two or more
// addresses inside the funding window. Repeat fundings raise the relationship
// confidence; the candidate confidence scales with batch size and how tightly
// the fundings are packed.
func CommonFunder(transfers []source.Transfer, cfg Config) ([]Proposal, []Candidate) {
	cfg = cfg.withDefaults()

	type funding struct {
		recipient string
		first     time.Time
		count     int
	}
	byFunder := map[string][]funding{}
	index := map[[2]string]int{}

	sorted := sortedByTime(transfers)
	for _, t := range sorted {
		if t.From == "" || t.To == "" || t.From == t.To {
			continue
		}
		key := [2]string{t.From, t.To}
		if i, ok := index[key]; ok {
			byFunder[t.From][i].count++
			continue
		}
		byFunder[t.From] = append(byFunder[t.From], funding{recipient: t.To, first: t.Timestamp, count: 1})
		index[key] = len(byFunder[t.From]) - 1
	}

	var props []Proposal
	var cands []Candidate
	for _, funder := range sortedKeys(byFunder) {
		list := byFunder[funder]
		for _, f := range list {
			props = append(props, Proposal{
				Source:      f.recipient,
				Target:      funder,
				Type:        graph.RelFundedBy,
				Confidence:  fundedByConfidence(f.count),
				EvidenceRef: "common_funder",
			})
		}

		// Batch recipients whose first funding falls inside the window of the
		// previous one.
		run := []funding{list[0]}
		flush := func() {
			if len(run) < 2 {
				return
			}
			members := make([]string, 0, len(run))
			for _, f := range run {
				members = append(members, f.recipient)
			}
			sort.Strings(members)
			span := run[len(run)-1].first.Sub(run[0].first)
			cands = append(cands, Candidate{
				Method:     "common_funder",
				Members:    members,
				Confidence: funderConfidence(len(run), span, cfg.FundingWindow),
			})
		}
		for i := 1; i < len(list); i++ {
			if list[i].first.Sub(run[len(run)-1].first) <= cfg.FundingWindow {
				run = append(run, list[i])
				continue
			}
			flush()
			run = []funding{list[i]}
		}
		flush()
	}
	return props, cands
}

func fundedByConfidence(count int) float64 {
	if count > 4 {
		count = 4
	}
	return 0.5 + 0.1*float64(count)
}

func funderConfidence(n int, span, window time.Duration) float64 {
	var lo, hi float64
	switch {
	case n >= 5:
		lo, hi = 0.80, 0.90
	case n >= 3:
		lo, hi = 0.70, 0.80
	default:
		lo, hi = 0.60, 0.70
	}
	avg := span / time.Duration(n-1)
	tight := 1 - avg.Seconds()/window.Seconds()
	if tight < 0 {
		tight = 0
	}
	return lo + (hi-lo)*tight
}

// CircularFunding finds funding cycles (A funds B funds C funds A) and emits
// each cycle's members as a high-confidence cluster candidate. Cycles are the
// strongly connected components of the funding graph with more than one node.
func CircularFunding(transfers []source.Transfer) []Candidate {
	adj := map[string][]string{}
	seen := map[[2]string]bool{}
	for _, t := range transfers {
		if t.From == "" || t.To == "" || t.From == t.To {
			continue
		}
		key := [2]string{t.From, t.To}
		if seen[key] {
			continue
		}
		seen[key] = true
		adj[t.From] = append(adj[t.From], t.To)
	}

	var cands []Candidate
	for _, comp := range stronglyConnected(adj) {
		if len(comp) < 2 {
			continue
		}
		sort.Strings(comp)
		cands = append(cands, Candidate{
			Method:     "circular_funding",
			Members:    comp,
			Confidence: 0.90,
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Members[0] < cands[j].Members[0] })
	return cands
}

// stronglyConnected is an iterative Tarjan over the adjacency map.
func stronglyConnected(adj map[string][]string) [][]string {
	nodes := sortedKeys(adj)
	nodeSet := map[string]bool{}
	for _, n := range nodes {
		nodeSet[n] = true
		for _, m := range adj[n] {
			if !nodeSet[m] {
				nodeSet[m] = true
				nodes = append(nodes, m)
			}
		}
	}

	index := map[string]int{}
	lowlink := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var comps [][]string
	counter := 0

	type frame struct {
		node string
		next int
	}
	for _, start := range nodes {
		if _, visited := index[start]; visited {
			continue
		}
		frames := []frame{{node: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			if f.next < len(adj[f.node]) {
				next := adj[f.node][f.next]
				f.next++
				if _, visited := index[next]; !visited {
					index[next] = counter
					lowlink[next] = counter
					counter++
					stack = append(stack, next)
					onStack[next] = true
					frames = append(frames, frame{node: next})
				} else if onStack[next] && index[next] < lowlink[f.node] {
					lowlink[f.node] = index[next]
				}
				continue
			}

			if lowlink[f.node] == index[f.node] {
				var comp []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					comp = append(comp, top)
					if top == f.node {
						break
					}
				}
				comps = append(comps, comp)
			}
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.node] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[f.node]
				}
			}
		}
	}
	return comps
}

// SharedDeposit proposes shared_deposits relationships between addresses that
// pay into the same externally-owned deposit address. Destinations that are
// contracts or that collect from more than DepositMaxFanIn senders are treated
// as protocol or exchange infrastructure and skipped.
func SharedDeposit(transfers []source.Transfer, contracts map[string]bool, cfg Config) ([]Proposal, []Candidate) {
	cfg = cfg.withDefaults()

	senders := map[string]map[string]bool{}
	for _, t := range transfers {
		if t.From == "" || t.To == "" || t.From == t.To {
			continue
		}
		if senders[t.To] == nil {
			senders[t.To] = map[string]bool{}
		}
		senders[t.To][t.From] = true
	}

	var props []Proposal
	var cands []Candidate
	for _, dest := range sortedKeys(senders) {
		if contracts[dest] {
			continue
		}
		set := senders[dest]
		if len(set) < 2 || len(set) > cfg.DepositMaxFanIn {
			continue
		}
		members := sortedKeys(set)
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				props = append(props, Proposal{
					Source:      members[i],
					Target:      members[j],
					Type:        graph.RelSharedDeposits,
					Confidence:  0.90,
					EvidenceRef: "shared_deposit:" + dest,
				})
			}
		}
		cands = append(cands, Candidate{
			Method:     "shared_deposit",
			Members:    members,
			Confidence: 0.90,
		})
	}
	return props, cands
}

// TemporalCorrelation pairs up each two addresses' action timestamps and
// proposes a temporal_correlation relationship once at least three pairs land
// inside the window. Confidence depends only on pair count and tightness,
// never on transferred value.
func TemporalCorrelation(actions map[string][]time.Time, cfg Config) []Proposal {
	cfg = cfg.withDefaults()

	addrs := sortedKeys(actions)
	sortedTimes := make(map[string][]time.Time, len(addrs))
	for _, a := range addrs {
		ts := append([]time.Time(nil), actions[a]...)
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
		sortedTimes[a] = ts
	}

	var props []Proposal
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			count, total := matchPairs(sortedTimes[addrs[i]], sortedTimes[addrs[j]], cfg.TemporalWindow)
			if count < 3 {
				continue
			}
			avg := total / time.Duration(count)
			props = append(props, Proposal{
				Source:      addrs[i],
				Target:      addrs[j],
				Type:        graph.RelTemporalCorrelation,
				Confidence:  correlationConfidence(count, avg, cfg.TemporalWindow),
				EvidenceRef: "temporal_correlation",
			})
		}
	}
	return props
}

// matchPairs greedily pairs timestamps from two sorted series, consuming each
// timestamp at most once.
func matchPairs(a, b []time.Time, window time.Duration) (int, time.Duration) {
	count := 0
	var total time.Duration
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		d := a[i].Sub(b[j])
		if d < 0 {
			d = -d
		}
		switch {
		case d <= window:
			count++
			total += d
			i++
			j++
		case a[i].Before(b[j]):
			i++
		default:
			j++
		}
	}
	return count, total
}

// correlationConfidence maps a pair count into its band, then interpolates
// within the band by tightness. Average deltas under ten seconds earn an extra
// 0.10, capped at 1.0.
func correlationConfidence(count int, avgDelta, window time.Duration) float64 {
	var lo, hi float64
	switch {
	case count >= 10:
		lo, hi = 0.90, 0.95
	case count >= 5:
		lo, hi = 0.80, 0.85
	case count >= 3:
		lo, hi = 0.65, 0.70
	default:
		return 0
	}
	tight := 1 - avgDelta.Seconds()/window.Seconds()
	if tight < 0 {
		tight = 0
	}
	conf := lo + (hi-lo)*tight
	if avgDelta < 10*time.Second {
		conf += 0.10
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// CounterpartyOverlap computes weighted Jaccard similarity between each pair
// of tracked addresses' counterparty sets. Counterparties touched by more than
// NoiseFraction of the population (DEX routers, bridges) are removed first;
// without that filter any two active DeFi users look related.
func CounterpartyOverlap(counterparties map[string]map[string]float64, cfg Config) []Proposal {
	cfg = cfg.withDefaults()

	degree := map[string]int{}
	for _, set := range counterparties {
		for c := range set {
			degree[c]++
		}
	}
	noiseCap := int(cfg.NoiseFraction * float64(len(counterparties)))
	if noiseCap < 2 {
		noiseCap = 2
	}

	filtered := make(map[string]map[string]float64, len(counterparties))
	for a, set := range counterparties {
		kept := map[string]float64{}
		for c, w := range set {
			if degree[c] <= noiseCap {
				kept[c] = w
			}
		}
		filtered[a] = kept
	}

	addrs := sortedKeys(filtered)
	var props []Proposal
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			sim := weightedJaccard(filtered[addrs[i]], filtered[addrs[j]])
			if sim < cfg.MinOverlap {
				continue
			}
			props = append(props, Proposal{
				Source:      addrs[i],
				Target:      addrs[j],
				Type:        graph.RelCounterpartyOverlap,
				Confidence:  0.50 + 0.40*sim,
				EvidenceRef: "counterparty_overlap",
			})
		}
	}
	return props
}

func weightedJaccard(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var num, den float64
	for k, wa := range a {
		if wb, ok := b[k]; ok {
			num += min64(wa, wb)
			den += max64(wa, wb)
		} else {
			den += wa
		}
	}
	for k, wb := range b {
		if _, ok := a[k]; !ok {
			den += wb
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func sortedByTime(transfers []source.Transfer) []source.Transfer {
	out := append([]source.Transfer(nil), transfers...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
