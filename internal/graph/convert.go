package graph

import (
	"time"

	"github.com/tracelabs/whaletrace/internal/driver"
)

// Drivers may hand back neo4j integers as int64 and lists as []any; these
// helpers normalize without panicking on nulls.

func recString(r driver.Record, key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func recFloat(r driver.Record, key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func recInt(r driver.Record, key string) int {
	switch v := r[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func recTime(r driver.Record, key string) time.Time {
	switch v := r[key].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	case time.Time:
		return v
	}
	return time.Time{}
}

func recStrings(r driver.Record, key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func entityFromRecord(r driver.Record) *Entity {
	return &Entity{
		Address:    recString(r, "address"),
		Identity:   recString(r, "identity"),
		EntityType: EntityType(recString(r, "entity_type")),
		TypeSource: TypeSource(recInt(r, "type_priority")),
		Confidence: recFloat(r, "confidence"),
		ClusterID:  recString(r, "cluster_id"),
		ENSName:    recString(r, "ens_name"),
		CreatedAt:  recTime(r, "created_at"),
		UpdatedAt:  recTime(r, "updated_at"),
	}
}

func clusterFromRecord(r driver.Record) *Cluster {
	return &Cluster{
		ID:               recString(r, "id"),
		Name:             recString(r, "name"),
		DetectionMethods: recStrings(r, "detection_methods"),
		Confidence:       recFloat(r, "confidence"),
		CreatedAt:        recTime(r, "created_at"),
		UpdatedAt:        recTime(r, "updated_at"),
	}
}

func relationshipFromRecord(r driver.Record) Relationship {
	return Relationship{
		Source:      recString(r, "source"),
		Target:      recString(r, "target"),
		Type:        RelationshipType(recString(r, "type")),
		Confidence:  recFloat(r, "confidence"),
		EvidenceRef: recString(r, "evidence_ref"),
		ClusterID:   recString(r, "cluster_id"),
	}
}

func evidenceFromRecord(r driver.Record) Evidence {
	return Evidence{
		EntityAddress: recString(r, "entity_address"),
		Source:        recString(r, "source"),
		Claim:         recString(r, "claim"),
		Confidence:    recFloat(r, "confidence"),
		URL:           recString(r, "url"),
		CreatedAt:     recTime(r, "created_at"),
	}
}

func taskFromRecord(r driver.Record) Task {
	return Task{
		Address:   recString(r, "address"),
		Layer:     recString(r, "layer"),
		Status:    TaskStatus(recString(r, "status")),
		Attempts:  recInt(r, "attempts"),
		LastError: recString(r, "last_error"),
		UpdatedAt: recTime(r, "updated_at"),
	}
}
