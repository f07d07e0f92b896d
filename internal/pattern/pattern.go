// Package pattern scores an entity's accumulated facts against named
// archetype templates (VC fund, protocol treasury, exchange hot wallet, MEV
// bot, whale individual).
package pattern

import (
	"sort"
	"strings"

	"github.com/tracelabs/whaletrace/internal/graph"
)

// Facts is everything the matcher may inspect about one address. Callers
// assemble it from the graph store and source adapters; missing fields simply
// fail their predicates.
type Facts struct {
	Entity            *graph.Entity
	Evidence          []graph.Evidence
	IsContract        bool
	ContractName      string
	ClusterSize       int
	GovernanceVotes   int
	CounterpartyCount int
	// ActiveHours counts distinct UTC hours-of-day with observed activity.
	ActiveHours int
}

func (f Facts) ens() string {
	if f.Entity == nil {
		return ""
	}
	return f.Entity.ENSName
}

// SourceMaxima reduces an evidence bag to the strongest confidence per source
// category. Scoring always works from these maxima, never a sum, so a pile of
// weak behavioral rows cannot outweigh one strong clustering signal.
func SourceMaxima(bag []graph.Evidence) map[string]float64 {
	out := map[string]float64{}
	for _, ev := range bag {
		if ev.Confidence > out[ev.Source] {
			out[ev.Source] = ev.Confidence
		}
	}
	return out
}

// MatchContractType reports whether keyword occurs inside the detected
// contract name, both lowercased. Best effort only: verified names are free
// text, so "Safe" matching "GnosisSafeProxy" is a hint, not a type check.
func MatchContractType(contractName, keyword string) bool {
	if contractName == "" || keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(contractName), strings.ToLower(keyword))
}

func evidenceClaims(bag []graph.Evidence, source, substr string) bool {
	for _, ev := range bag {
		if ev.Source == source && strings.Contains(strings.ToLower(ev.Claim), substr) {
			return true
		}
	}
	return false
}

type predicate struct {
	desc   string
	weight float64
	match  func(Facts) bool
}

// Template is one archetype: a weighted predicate set mapping to an entity
// type.
type Template struct {
	Name       string
	Type       graph.EntityType
	predicates []predicate
}

// Match is one template's score against a fact set.
type Match struct {
	Template string           `json:"template"`
	Type     graph.EntityType `json:"type"`
	Score    float64          `json:"score"`
	Matched  []string         `json:"matched"`
}

// DefaultThreshold is the minimum score Best accepts.
const DefaultThreshold = 0.5

var templates = []Template{
	{
		Name: "vc_fund",
		Type: graph.TypeFund,
		predicates: []predicate{
			{"externally owned account", 1, func(f Facts) bool { return !f.IsContract }},
			{"multi-address cluster", 2, func(f Facts) bool { return f.ClusterSize >= 3 }},
			{"votes in governance", 2, func(f Facts) bool { return f.GovernanceVotes > 0 }},
			{"strong clustering evidence", 2, func(f Facts) bool {
				return SourceMaxima(f.Evidence)["clustering"] >= 0.7
			}},
			{"has ENS name", 1, func(f Facts) bool { return f.ens() != "" }},
		},
	},
	{
		Name: "protocol_treasury",
		Type: graph.TypeProtocol,
		predicates: []predicate{
			{"is a contract", 3, func(f Facts) bool { return f.IsContract }},
			{"treasury-style contract name", 3, func(f Facts) bool {
				for _, kw := range []string{"treasury", "timelock", "governor", "dao", "safe"} {
					if MatchContractType(f.ContractName, kw) {
						return true
					}
				}
				return false
			}},
			{"no human activity window", 1, func(f Facts) bool {
				return !evidenceClaims(f.Evidence, "behavioral", "timezone")
			}},
		},
	},
	{
		Name: "exchange_hot_wallet",
		Type: graph.TypeExchange,
		predicates: []predicate{
			{"externally owned account", 1, func(f Facts) bool { return !f.IsContract }},
			{"very high counterparty fan", 3, func(f Facts) bool { return f.CounterpartyCount >= 100 }},
			{"round-the-clock activity", 2, func(f Facts) bool { return f.ActiveHours >= 20 }},
			{"known exchange label", 3, func(f Facts) bool {
				return evidenceClaims(f.Evidence, "osint", "exchange")
			}},
		},
	},
	{
		Name: "mev_bot",
		Type: graph.TypeBot,
		predicates: []predicate{
			{"automated transaction cadence", 3, func(f Facts) bool {
				return evidenceClaims(f.Evidence, "behavioral", "automated cadence")
			}},
			{"round-the-clock activity", 2, func(f Facts) bool { return f.ActiveHours >= 20 }},
			{"no ENS name", 1, func(f Facts) bool { return f.ens() == "" }},
			{"no governance participation", 1, func(f Facts) bool { return f.GovernanceVotes == 0 }},
		},
	},
	{
		Name: "whale_individual",
		Type: graph.TypeIndividual,
		predicates: []predicate{
			{"externally owned account", 2, func(f Facts) bool { return !f.IsContract }},
			{"has ENS name", 2, func(f Facts) bool { return f.ens() != "" }},
			{"votes in governance", 2, func(f Facts) bool { return f.GovernanceVotes > 0 }},
			{"human activity window", 1, func(f Facts) bool {
				return evidenceClaims(f.Evidence, "behavioral", "timezone")
			}},
			{"small personal footprint", 1, func(f Facts) bool { return f.ClusterSize <= 2 }},
		},
	},
}

// Templates returns the archetype names in scoring order.
func Templates() []string {
	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = t.Name
	}
	return names
}

// Score evaluates every template and returns matches sorted best-first.
func Score(f Facts) []Match {
	out := make([]Match, 0, len(templates))
	for _, t := range templates {
		var total, hit float64
		var matched []string
		for _, p := range t.predicates {
			total += p.weight
			if p.match(f) {
				hit += p.weight
				matched = append(matched, p.desc)
			}
		}
		out = append(out, Match{
			Template: t.Name,
			Type:     t.Type,
			Score:    hit / total,
			Matched:  matched,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Best returns the top match when it clears the threshold.
func Best(f Facts) (Match, bool) {
	scored := Score(f)
	if len(scored) == 0 || scored[0].Score < DefaultThreshold {
		return Match{}, false
	}
	return scored[0], true
}
