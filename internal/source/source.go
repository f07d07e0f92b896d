// Package source holds the rate-limited clients for external data providers.
// The core only ever sees the typed records defined here; provider quirks stay
// behind the interfaces.
package source

import (
	"context"
	"time"
)

// Transfer is one value transfer touching a watched address.
type Transfer struct {
	TxHash    string    `json:"tx_hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ContractInfo describes what a provider knows about an address' code.
type ContractInfo struct {
	Address    string `json:"address"`
	IsContract bool   `json:"is_contract"`
	Name       string `json:"name,omitempty"`
	Deployer   string `json:"deployer,omitempty"`
}

type ENSRecord struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type GovernanceVote struct {
	Address  string    `json:"address"`
	Space    string    `json:"space"`
	Proposal string    `json:"proposal"`
	CastAt   time.Time `json:"cast_at"`
}

// KnownLabel is a curated attribution from an intelligence provider.
type KnownLabel struct {
	Address    string  `json:"address"`
	Label      string  `json:"label"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
	URL        string  `json:"url,omitempty"`
}

// ChainSource supplies on-chain activity for the expansion and behavioral
// layers.
type ChainSource interface {
	Transfers(ctx context.Context, address string, limit int) ([]Transfer, error)
	Contract(ctx context.Context, address string) (*ContractInfo, error)
}

// OSINTSource supplies off-chain identity signals.
type OSINTSource interface {
	ENS(ctx context.Context, address string) (*ENSRecord, error)
	Votes(ctx context.Context, address string) ([]GovernanceVote, error)
	Label(ctx context.Context, address string) (*KnownLabel, error)
}
