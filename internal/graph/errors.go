package graph

import "errors"

var (
	// ErrConfidenceDowngrade is returned when an automated source tries to
	// lower an entity's confidence. Manual evidence bypasses the guard.
	ErrConfidenceDowngrade = errors.New("graph: confidence downgrade rejected")

	// ErrUnknownCluster is returned when a write references a cluster id
	// that does not exist.
	ErrUnknownCluster = errors.New("graph: unknown cluster")

	// ErrNotFound is returned by lookups for missing rows.
	ErrNotFound = errors.New("graph: not found")
)
