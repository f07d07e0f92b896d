package pattern_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/pattern"
)

func ev(source, claim string, conf float64) graph.Evidence {
	return graph.Evidence{Source: source, Claim: claim, Confidence: conf}
}

func TestBestVCFund(t *testing.T) {
	f := pattern.Facts{
		Entity:          &graph.Entity{Address: "0xa", ENSName: "acme.eth"},
		ClusterSize:     4,
		GovernanceVotes: 3,
		Evidence: []graph.Evidence{
			ev("clustering", "clustered with 3 addresses via common_funder", 0.85),
		},
	}

	m, ok := pattern.Best(f)
	require.True(t, ok)
	assert.Equal(t, "vc_fund", m.Template)
	assert.Equal(t, graph.TypeFund, m.Type)
	assert.InDelta(t, 1.0, m.Score, 1e-9)
	assert.Contains(t, m.Matched, "strong clustering evidence")
}

func TestBestProtocolTreasury(t *testing.T) {
	f := pattern.Facts{
		Entity:       &graph.Entity{Address: "0xb"},
		IsContract:   true,
		ContractName: "AcmeDAOTreasury",
	}

	m, ok := pattern.Best(f)
	require.True(t, ok)
	assert.Equal(t, "protocol_treasury", m.Template)
	assert.Equal(t, graph.TypeProtocol, m.Type)
}

func TestBestExchangeHotWallet(t *testing.T) {
	f := pattern.Facts{
		Entity:            &graph.Entity{Address: "0xc"},
		CounterpartyCount: 500,
		ActiveHours:       24,
		Evidence: []graph.Evidence{
			ev("osint", "tagged as exchange hot wallet on block explorer", 0.8),
		},
	}

	m, ok := pattern.Best(f)
	require.True(t, ok)
	assert.Equal(t, "exchange_hot_wallet", m.Template)
}

func TestBestMEVBot(t *testing.T) {
	f := pattern.Facts{
		Entity:      &graph.Entity{Address: "0xd"},
		ActiveHours: 23,
		Evidence: []graph.Evidence{
			ev("behavioral", "automated cadence detected: median interval 0.8s", 0.4),
		},
	}

	m, ok := pattern.Best(f)
	require.True(t, ok)
	assert.Equal(t, "mev_bot", m.Template)
	assert.Equal(t, graph.TypeBot, m.Type)
}

func TestBestWhaleIndividual(t *testing.T) {
	f := pattern.Facts{
		Entity:          &graph.Entity{Address: "0xe", ENSName: "whale.eth"},
		ClusterSize:     1,
		GovernanceVotes: 2,
		Evidence: []graph.Evidence{
			ev("behavioral", "activity peak suggests timezone UTC+2", 0.3),
		},
	}

	m, ok := pattern.Best(f)
	require.True(t, ok)
	assert.Equal(t, "whale_individual", m.Template)
	assert.Equal(t, graph.TypeIndividual, m.Type)
}

func TestBestRejectsWeakProfile(t *testing.T) {
	_, ok := pattern.Best(pattern.Facts{})
	assert.False(t, ok)
}

func TestSourceMaximaIgnoresVolume(t *testing.T) {
	bag := []graph.Evidence{ev("clustering", "strong signal", 0.9)}
	for i := 0; i < 100; i++ {
		bag = append(bag, ev("behavioral", "weak observation", 0.1))
	}

	maxima := pattern.SourceMaxima(bag)
	assert.InDelta(t, 0.9, maxima["clustering"], 1e-9)
	assert.InDelta(t, 0.1, maxima["behavioral"], 1e-9)
}

func TestMatchContractTypeDirection(t *testing.T) {
	assert.True(t, pattern.MatchContractType("GnosisSafeProxy", "Safe"))
	assert.False(t, pattern.MatchContractType("Safe", "GnosisSafeProxy"))
	assert.False(t, pattern.MatchContractType("", "Safe"))
}
