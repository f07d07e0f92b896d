package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type MemgraphDriver struct {
	Driver neo4j.DriverWithContext
	Log    *slog.Logger
}

func NewMemgraphDriver(ctx context.Context, uri, username, password string, log *slog.Logger) (*MemgraphDriver, error) {
	if log == nil {
		log = slog.Default()
	}

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, err
	}

	log.Info("connected to Memgraph", "uri", uri)
	return &MemgraphDriver{Driver: driver, Log: log}, nil
}

func (d *MemgraphDriver) Close(ctx context.Context) error {
	return d.Driver.Close(ctx)
}

func (d *MemgraphDriver) Run(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	result, err := neo4j.ExecuteQuery(ctx, d.Driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	records := make([]Record, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, Record(rec.AsMap()))
	}
	return records, nil
}

// managedTx adapts a neo4j managed transaction to the Tx interface.
type managedTx struct {
	tx neo4j.ManagedTransaction
}

func (m managedTx) Run(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	result, err := m.tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}

	raw, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raw))
	for _, rec := range raw {
		records = append(records, Record(rec.AsMap()))
	}
	return records, nil
}

func (d *MemgraphDriver) Write(ctx context.Context, work func(ctx context.Context, tx Tx) error) error {
	session := d.Driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, work(ctx, managedTx{tx: tx})
	})
	return err
}

func (d *MemgraphDriver) InitSchema(ctx context.Context) error {
	// Memgraph supports Cypher constraint and index creation.
	queries := []string{
		"CREATE CONSTRAINT ON (n:Entity) ASSERT n.address IS UNIQUE;",
		"CREATE CONSTRAINT ON (c:Cluster) ASSERT c.id IS UNIQUE;",

		"CREATE INDEX ON :Entity(address);",
		"CREATE INDEX ON :Entity(cluster_id);",
		"CREATE INDEX ON :Cluster(id);",
		"CREATE INDEX ON :Evidence(entity_address);",
		"CREATE INDEX ON :Task(status);",
		"CREATE INDEX ON :Task(address);",
	}

	for _, q := range queries {
		if _, err := d.Run(ctx, q, nil); err != nil {
			// Constraint/index may already exist.
			d.Log.Warn("schema statement failed", "query", q, "error", err)
		}
	}

	return nil
}
