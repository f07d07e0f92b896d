package driver

import (
	"context"
)

// Record is a single row of query output, keyed by the RETURN aliases.
type Record map[string]any

// Tx runs queries inside one managed write transaction.
type Tx interface {
	Run(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// GraphDriver abstracts the graph database so the store and its tests do not
// depend on neo4j types directly.
type GraphDriver interface {
	// Run executes a single auto-committed query.
	Run(ctx context.Context, query string, params map[string]any) ([]Record, error)
	// Write executes work inside a single write transaction; any error
	// returned by work rolls the whole transaction back.
	Write(ctx context.Context, work func(ctx context.Context, tx Tx) error) error
	InitSchema(ctx context.Context) error
	Close(ctx context.Context) error
}
