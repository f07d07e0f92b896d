package graph

import (
	"strings"
	"time"
)

// EntityType classifies who an address belongs to. The set is closed; detectors
// never invent new values.
type EntityType string

const (
	TypeIndividual EntityType = "individual"
	TypeFund       EntityType = "fund"
	TypeProtocol   EntityType = "protocol"
	TypeExchange   EntityType = "exchange"
	TypeBot        EntityType = "bot"
	TypeUnknown    EntityType = "unknown"
)

// TypeSource ranks which detector set an entity_type. A lower-ranked source
// never overwrites a higher-ranked assignment.
type TypeSource int

const (
	TypeSourceNone TypeSource = iota
	TypeSourceBehavioral
	TypeSourceCluster
	TypeSourceManual
)

type Entity struct {
	Address    string     `json:"address"`
	Identity   string     `json:"identity,omitempty"`
	EntityType EntityType `json:"entity_type"`
	TypeSource TypeSource `json:"type_source"`
	Confidence float64    `json:"confidence"`
	ClusterID  string     `json:"cluster_id,omitempty"`
	ENSName    string     `json:"ens_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type Cluster struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	DetectionMethods []string  `json:"detection_methods"`
	Confidence       float64   `json:"confidence"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasMethod reports whether a detection method already contributed to the
// cluster.
func (c *Cluster) HasMethod(method string) bool {
	for _, m := range c.DetectionMethods {
		if m == method {
			return true
		}
	}
	return false
}

type RelationshipType string

const (
	RelSameEntity          RelationshipType = "same_entity"
	RelSameCluster         RelationshipType = "same_cluster"
	RelSharedDeposits      RelationshipType = "shared_deposits"
	RelTemporalCorrelation RelationshipType = "temporal_correlation"
	RelCounterpartyOverlap RelationshipType = "counterparty_overlap"
	RelFundedBy            RelationshipType = "funded_by"
	RelDeployedBy          RelationshipType = "deployed_by"
	RelChangeAddress       RelationshipType = "change_address"
)

// Relationship is a typed edge between two addresses. (Source, Target, Type)
// is the unique key.
type Relationship struct {
	Source      string           `json:"source"`
	Target      string           `json:"target"`
	Type        RelationshipType `json:"type"`
	Confidence  float64          `json:"confidence"`
	EvidenceRef string           `json:"evidence_ref,omitempty"`
	// ClusterID names the cluster a same_cluster edge derives from so merges
	// can migrate the reference.
	ClusterID string    `json:"cluster_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Evidence is an append-only sourced observation. Rows are never mutated or
// deleted; entity confidence is recomputed from them.
type Evidence struct {
	ID            string    `json:"id"`
	EntityAddress string    `json:"entity_address"`
	Source        string    `json:"source"`
	Claim         string    `json:"claim"`
	Confidence    float64   `json:"confidence"`
	URL           string    `json:"url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
)

// Task is one unit of pending enrichment work for an (address, layer) pair.
type Task struct {
	Address   string     `json:"address"`
	Layer     string     `json:"layer"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Stats struct {
	Entities      int            `json:"entities"`
	Identified    int            `json:"identified"`
	Clusters      int            `json:"clusters"`
	Relationships int            `json:"relationships"`
	Evidence      int            `json:"evidence"`
	Tasks         map[string]int `json:"tasks"`
}

// Neighbor is one hop from an address, direction-agnostic.
type Neighbor struct {
	Address    string
	Type       RelationshipType
	Confidence float64
}

// NormalizeAddress lower-cases and trims an address so hex casing variants
// collapse to one entity.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
