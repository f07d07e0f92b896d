// Package graph is the sole authority for invariant-preserving reads and
// writes to entities, clusters, relationships, evidence and the work queue.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tracelabs/whaletrace/internal/driver"
)

// runner is satisfied by both GraphDriver (auto-commit) and Tx.
type runner interface {
	Run(ctx context.Context, query string, params map[string]any) ([]driver.Record, error)
}

type Store struct {
	drv driver.GraphDriver
	log *slog.Logger
	now func() time.Time
}

func NewStore(drv driver.GraphDriver, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		drv: drv,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) InitSchema(ctx context.Context) error {
	return s.drv.InitSchema(ctx)
}

// Ops exposes the mutating store API bound to a single transaction, so a
// layer's full write for one address (entity + evidence + relationships)
// commits or rolls back as a unit.
type Ops struct {
	s  *Store
	tx driver.Tx
}

// Atomic runs fn inside one write transaction.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, ops *Ops) error) error {
	return s.drv.Write(ctx, func(ctx context.Context, tx driver.Tx) error {
		return fn(ctx, &Ops{s: s, tx: tx})
	})
}

// EntityUpdate describes one upsert. Nil pointer fields are left untouched on
// an existing row.
type EntityUpdate struct {
	Address    string
	Identity   *string
	EntityType EntityType
	TypeSource TypeSource
	Confidence *float64
	ClusterID  *string
	ENSName    *string
	// Manual marks a human-curated write, which may lower confidence and
	// outranks every automated type source.
	Manual bool
}

func (s *Store) UpsertEntity(ctx context.Context, up EntityUpdate) (*Entity, error) {
	var ent *Entity
	err := s.Atomic(ctx, func(ctx context.Context, ops *Ops) error {
		var err error
		ent, err = ops.UpsertEntity(ctx, up)
		return err
	})
	return ent, err
}

func (o *Ops) UpsertEntity(ctx context.Context, up EntityUpdate) (*Entity, error) {
	return o.s.upsertEntity(ctx, o.tx, up)
}

func (s *Store) upsertEntity(ctx context.Context, tx runner, up EntityUpdate) (*Entity, error) {
	addr := NormalizeAddress(up.Address)
	if addr == "" {
		return nil, fmt.Errorf("graph: empty address")
	}

	now := s.now()
	recs, err := tx.Run(ctx, driver.GetEntityQuery, map[string]any{"address": addr})
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", addr, err)
	}

	var ent *Entity
	if len(recs) == 0 {
		ent = &Entity{Address: addr, EntityType: TypeUnknown, CreatedAt: now}
	} else {
		ent = entityFromRecord(recs[0])
	}

	if up.Confidence != nil {
		c := clamp01(*up.Confidence)
		if c < ent.Confidence && !up.Manual {
			return nil, fmt.Errorf("%w: entity %s has %.2f, got %.2f",
				ErrConfidenceDowngrade, addr, ent.Confidence, c)
		}
		ent.Confidence = c
	}

	if up.EntityType != "" {
		src := up.TypeSource
		if up.Manual {
			src = TypeSourceManual
		}
		// An outranked assignment is dropped, not an error: a behavioral
		// signal arriving after cluster typing is expected.
		if src >= ent.TypeSource {
			ent.EntityType = up.EntityType
			ent.TypeSource = src
		}
	}

	if up.ClusterID != nil {
		if *up.ClusterID != "" {
			if _, err := s.getCluster(ctx, tx, *up.ClusterID); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, *up.ClusterID)
			}
		}
		ent.ClusterID = *up.ClusterID
	}

	if up.Identity != nil {
		ent.Identity = *up.Identity
	}
	if up.ENSName != nil {
		ent.ENSName = *up.ENSName
	}
	ent.UpdatedAt = now

	if _, err := tx.Run(ctx, driver.SaveEntityQuery, s.entityParams(ent)); err != nil {
		return nil, fmt.Errorf("save entity %s: %w", addr, err)
	}
	return ent, nil
}

func (s *Store) entityParams(ent *Entity) map[string]any {
	return map[string]any{
		"address":       ent.Address,
		"identity":      ent.Identity,
		"entity_type":   string(ent.EntityType),
		"type_priority": int64(ent.TypeSource),
		"confidence":    ent.Confidence,
		"cluster_id":    ent.ClusterID,
		"ens_name":      ent.ENSName,
		"created_at":    fmtTime(ent.CreatedAt),
		"updated_at":    fmtTime(ent.UpdatedAt),
	}
}

func (s *Store) GetEntity(ctx context.Context, address string) (*Entity, error) {
	addr := NormalizeAddress(address)
	recs, err := s.drv.Run(ctx, driver.GetEntityQuery, map[string]any{"address": addr})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, addr)
	}
	return entityFromRecord(recs[0]), nil
}

// IdentifiedEntities returns every entity that carries a non-empty identity,
// ordered by address.
func (s *Store) IdentifiedEntities(ctx context.Context) ([]Entity, error) {
	recs, err := s.drv.Run(ctx, driver.IdentifiedEntitiesQuery, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *entityFromRecord(rec))
	}
	return out, nil
}

func (s *Store) HasEntity(ctx context.Context, address string) (bool, error) {
	recs, err := s.drv.Run(ctx, driver.EntityExistsQuery,
		map[string]any{"address": NormalizeAddress(address)})
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// AddRelationship writes the edge only when no row exists for the
// (source, target, type) key or the new confidence is at least the stored one.
// The returned bool reports whether a write happened. A winning write replaces
// the row; confidences are never summed and never decreased.
func (s *Store) AddRelationship(ctx context.Context, rel Relationship) (bool, error) {
	var written bool
	err := s.Atomic(ctx, func(ctx context.Context, ops *Ops) error {
		var err error
		written, err = ops.AddRelationship(ctx, rel)
		return err
	})
	return written, err
}

func (o *Ops) AddRelationship(ctx context.Context, rel Relationship) (bool, error) {
	return o.s.addRelationship(ctx, o.tx, rel)
}

func (s *Store) addRelationship(ctx context.Context, tx runner, rel Relationship) (bool, error) {
	rel.Source = NormalizeAddress(rel.Source)
	rel.Target = NormalizeAddress(rel.Target)
	if rel.Source == "" || rel.Target == "" || rel.Source == rel.Target {
		return false, nil
	}
	rel.Confidence = clamp01(rel.Confidence)

	key := map[string]any{
		"source": rel.Source,
		"target": rel.Target,
		"type":   string(rel.Type),
	}
	recs, err := tx.Run(ctx, driver.GetRelationshipQuery, key)
	if err != nil {
		return false, fmt.Errorf("get relationship: %w", err)
	}

	createdAt := s.now()
	if len(recs) > 0 {
		existing := recFloat(recs[0], "confidence")
		if existing > rel.Confidence {
			return false, nil
		}
		createdAt = recTime(recs[0], "created_at")
	}

	params := map[string]any{
		"source":       rel.Source,
		"target":       rel.Target,
		"type":         string(rel.Type),
		"confidence":   rel.Confidence,
		"evidence_ref": rel.EvidenceRef,
		"cluster_id":   rel.ClusterID,
		"created_at":   fmtTime(createdAt),
		"now":          fmtTime(s.now()),
	}
	if _, err := tx.Run(ctx, driver.SaveRelationshipQuery, params); err != nil {
		return false, fmt.Errorf("save relationship: %w", err)
	}
	return true, nil
}

// AddEvidence appends one observation and, in the same transaction, recomputes
// the entity's confidence from the full evidence bag.
func (s *Store) AddEvidence(ctx context.Context, ev Evidence) (*Evidence, error) {
	var out *Evidence
	err := s.Atomic(ctx, func(ctx context.Context, ops *Ops) error {
		var err error
		out, err = ops.AddEvidence(ctx, ev)
		return err
	})
	return out, err
}

func (o *Ops) AddEvidence(ctx context.Context, ev Evidence) (*Evidence, error) {
	return o.s.addEvidence(ctx, o.tx, ev)
}

func (s *Store) addEvidence(ctx context.Context, tx runner, ev Evidence) (*Evidence, error) {
	ev.EntityAddress = NormalizeAddress(ev.EntityAddress)
	if ev.EntityAddress == "" {
		return nil, fmt.Errorf("graph: evidence without entity address")
	}
	ev.ID = uuid.New().String()
	ev.Confidence = clamp01(ev.Confidence)
	ev.CreatedAt = s.now()

	params := map[string]any{
		"id":             ev.ID,
		"entity_address": ev.EntityAddress,
		"source":         ev.Source,
		"claim":          ev.Claim,
		"confidence":     ev.Confidence,
		"url":            ev.URL,
		"now":            fmtTime(ev.CreatedAt),
	}
	if _, err := tx.Run(ctx, driver.AddEvidenceQuery, params); err != nil {
		return nil, fmt.Errorf("add evidence: %w", err)
	}

	recs, err := tx.Run(ctx, driver.EvidenceForEntityQuery,
		map[string]any{"address": ev.EntityAddress})
	if err != nil {
		return nil, fmt.Errorf("load evidence bag: %w", err)
	}
	bag := make([]Evidence, 0, len(recs))
	for _, r := range recs {
		bag = append(bag, evidenceFromRecord(r))
	}

	combined := CombineEvidence(bag)

	erecs, err := tx.Run(ctx, driver.GetEntityQuery,
		map[string]any{"address": ev.EntityAddress})
	if err != nil || len(erecs) == 0 {
		return nil, fmt.Errorf("entity vanished mid-transaction: %s", ev.EntityAddress)
	}
	ent := entityFromRecord(erecs[0])
	if combined > ent.Confidence {
		ent.Confidence = combined
		ent.UpdatedAt = s.now()
		if _, err := tx.Run(ctx, driver.SaveEntityQuery, s.entityParams(ent)); err != nil {
			return nil, fmt.Errorf("update entity confidence: %w", err)
		}
	}

	return &ev, nil
}

// CombineEvidence aggregates a bag as the maximum confidence per source
// category, then the maximum across categories. Observations never sum, so a
// hundred weak behavioral rows cannot outweigh one strong clustering signal,
// and stacking sources cannot exceed the strongest of them.
func CombineEvidence(bag []Evidence) float64 {
	best := 0.0
	for _, ev := range bag {
		if c := clamp01(ev.Confidence); c > best {
			best = c
		}
	}
	return best
}

func (s *Store) EvidenceFor(ctx context.Context, address string) ([]Evidence, error) {
	recs, err := s.drv.Run(ctx, driver.EvidenceForEntityQuery,
		map[string]any{"address": NormalizeAddress(address)})
	if err != nil {
		return nil, err
	}
	out := make([]Evidence, 0, len(recs))
	for _, r := range recs {
		out = append(out, evidenceFromRecord(r))
	}
	return out, nil
}

// EvidenceForAddresses fetches evidence for a whole address set in a single
// query. Export paths must use this instead of per-entity lookups.
func (s *Store) EvidenceForAddresses(ctx context.Context, addresses []string) (map[string][]Evidence, error) {
	normalized := make([]string, 0, len(addresses))
	for _, a := range addresses {
		normalized = append(normalized, NormalizeAddress(a))
	}
	recs, err := s.drv.Run(ctx, driver.EvidenceBatchQuery,
		map[string]any{"addresses": normalized})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Evidence, len(normalized))
	for _, r := range recs {
		ev := evidenceFromRecord(r)
		out[ev.EntityAddress] = append(out[ev.EntityAddress], ev)
	}
	return out, nil
}

// CreateCluster saves the cluster and assigns its id to every member that is
// not already clustered. Members already belonging to another cluster are
// returned so the merge engine can reconcile.
func (s *Store) CreateCluster(ctx context.Context, c Cluster, members []string) (*Cluster, []string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Confidence = clamp01(c.Confidence)
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var conflicted []string
	err := s.Atomic(ctx, func(ctx context.Context, ops *Ops) error {
		if _, err := ops.tx.Run(ctx, driver.SaveClusterQuery, clusterParams(&c)); err != nil {
			return fmt.Errorf("save cluster: %w", err)
		}

		for _, m := range members {
			addr := NormalizeAddress(m)
			recs, err := ops.tx.Run(ctx, driver.GetEntityQuery, map[string]any{"address": addr})
			if err != nil {
				return err
			}

			var ent *Entity
			if len(recs) == 0 {
				ent = &Entity{Address: addr, EntityType: TypeUnknown, CreatedAt: now}
			} else {
				ent = entityFromRecord(recs[0])
			}

			if ent.ClusterID != "" && ent.ClusterID != c.ID {
				conflicted = append(conflicted, addr)
				continue
			}
			ent.ClusterID = c.ID
			ent.UpdatedAt = now
			if _, err := ops.tx.Run(ctx, driver.SaveEntityQuery, s.entityParams(ent)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &c, conflicted, nil
}

func clusterParams(c *Cluster) map[string]any {
	methods := c.DetectionMethods
	if methods == nil {
		methods = []string{}
	}
	return map[string]any{
		"id":                c.ID,
		"name":              c.Name,
		"detection_methods": methods,
		"confidence":        c.Confidence,
		"created_at":        fmtTime(c.CreatedAt),
		"updated_at":        fmtTime(c.UpdatedAt),
	}
}

func (s *Store) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	return s.getCluster(ctx, s.drv, id)
}

func (s *Store) getCluster(ctx context.Context, tx runner, id string) (*Cluster, error) {
	recs, err := tx.Run(ctx, driver.GetClusterQuery, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: cluster %s", ErrNotFound, id)
	}
	return clusterFromRecord(recs[0]), nil
}

func (s *Store) Clusters(ctx context.Context) ([]Cluster, error) {
	recs, err := s.drv.Run(ctx, driver.AllClustersQuery, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Cluster, 0, len(recs))
	for _, r := range recs {
		out = append(out, *clusterFromRecord(r))
	}
	return out, nil
}

func (s *Store) ClusterMembers(ctx context.Context, id string) ([]string, error) {
	recs, err := s.drv.Run(ctx, driver.ClusterMembersQuery, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, recString(r, "address"))
	}
	sort.Strings(out)
	return out, nil
}

// MergeClusters absorbs clusters into survivingID in one transaction, ordered
// so nothing ever points at a deleted cluster: members are reassigned first,
// then relationship references migrate, then self-edges are dropped, and the
// absorbed rows are deleted last. Absorbed ids that no longer exist are
// skipped, which makes a repeated merge a no-op.
func (s *Store) MergeClusters(ctx context.Context, survivingID string, absorbedIDs []string) error {
	return s.Atomic(ctx, func(ctx context.Context, ops *Ops) error {
		surviving, err := s.getCluster(ctx, ops.tx, survivingID)
		if err != nil {
			return fmt.Errorf("%w: surviving cluster %s", ErrUnknownCluster, survivingID)
		}

		var absorbed []string
		for _, id := range absorbedIDs {
			if id == survivingID {
				continue
			}
			c, err := s.getCluster(ctx, ops.tx, id)
			if err != nil {
				continue // already merged away
			}
			for _, m := range c.DetectionMethods {
				if !surviving.HasMethod(m) {
					surviving.DetectionMethods = append(surviving.DetectionMethods, m)
				}
			}
			if c.Confidence > surviving.Confidence {
				surviving.Confidence = c.Confidence
			}
			absorbed = append(absorbed, id)
		}
		if len(absorbed) == 0 {
			return nil
		}

		now := fmtTime(s.now())
		surviving.UpdatedAt = s.now()
		if _, err := ops.tx.Run(ctx, driver.SaveClusterQuery, clusterParams(surviving)); err != nil {
			return fmt.Errorf("update surviving cluster: %w", err)
		}

		steps := []struct {
			query  string
			params map[string]any
		}{
			{driver.ReassignClusterMembersQuery, map[string]any{"absorbed": absorbed, "surviving": survivingID, "now": now}},
			{driver.MigrateRelationshipClusterRefsQuery, map[string]any{"absorbed": absorbed, "surviving": survivingID}},
			{driver.RepointInboundClusterEdgesQuery, map[string]any{"absorbed": absorbed, "surviving": survivingID, "now": now}},
			{driver.RepointOutboundClusterEdgesQuery, map[string]any{"absorbed": absorbed, "surviving": survivingID, "now": now}},
			{driver.DeleteClusterSelfEdgesQuery, map[string]any{"surviving": survivingID}},
			{driver.DeleteClustersQuery, map[string]any{"absorbed": absorbed}},
		}
		for _, step := range steps {
			if _, err := ops.tx.Run(ctx, step.query, step.params); err != nil {
				return fmt.Errorf("merge step failed: %w", err)
			}
		}

		s.log.Info("merged clusters", "surviving", survivingID, "absorbed", absorbed)
		return nil
	})
}

// LinkClusters records a same_cluster edge between two cluster rows, the
// artifact a later merge collapses into a self-edge and removes.
func (s *Store) LinkClusters(ctx context.Context, source, target string, confidence float64, evidenceRef string) error {
	_, err := s.drv.Run(ctx, driver.SaveClusterLinkQuery, map[string]any{
		"source":       source,
		"target":       target,
		"type":         string(RelSameCluster),
		"confidence":   clamp01(confidence),
		"evidence_ref": evidenceRef,
		"now":          fmtTime(s.now()),
	})
	return err
}

// ClusterRefCount counts every relationship still referencing the cluster,
// either by cluster_id property or by an edge touching the cluster node.
func (s *Store) ClusterRefCount(ctx context.Context, id string) (int, error) {
	total := 0
	for _, q := range []string{driver.ClusterRefCountQuery, driver.ClusterEdgeCountQuery} {
		recs, err := s.drv.Run(ctx, q, map[string]any{"id": id})
		if err != nil {
			return 0, err
		}
		if len(recs) > 0 {
			total += recInt(recs[0], "n")
		}
	}
	return total, nil
}

func (s *Store) Neighbors(ctx context.Context, address string) ([]Neighbor, error) {
	recs, err := s.drv.Run(ctx, driver.NeighborsQuery,
		map[string]any{"address": NormalizeAddress(address)})
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(recs))
	for _, r := range recs {
		out = append(out, Neighbor{
			Address:    recString(r, "address"),
			Type:       RelationshipType(recString(r, "type")),
			Confidence: recFloat(r, "confidence"),
		})
	}
	return out, nil
}

// Relationships returns every edge touching the address, both directions.
func (s *Store) Relationships(ctx context.Context, address string) ([]Relationship, error) {
	params := map[string]any{"address": NormalizeAddress(address)}
	var out []Relationship
	for _, q := range []string{driver.OutgoingRelationshipsQuery, driver.IncomingRelationshipsQuery} {
		recs, err := s.drv.Run(ctx, q, params)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out = append(out, relationshipFromRecord(r))
		}
	}
	return out, nil
}

func (s *Store) AllRelationships(ctx context.Context) ([]Relationship, error) {
	recs, err := s.drv.Run(ctx, driver.AllRelationshipsQuery, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Relationship, 0, len(recs))
	for _, r := range recs {
		out = append(out, relationshipFromRecord(r))
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Tasks: map[string]int{}}
	counts := []struct {
		query string
		dst   *int
	}{
		{driver.CountEntitiesQuery, &st.Entities},
		{driver.CountIdentifiedQuery, &st.Identified},
		{driver.CountClustersQuery, &st.Clusters},
		{driver.CountRelationshipsQuery, &st.Relationships},
		{driver.CountEvidenceQuery, &st.Evidence},
	}
	for _, c := range counts {
		recs, err := s.drv.Run(ctx, c.query, nil)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			*c.dst = recInt(recs[0], "n")
		}
	}

	recs, err := s.drv.Run(ctx, driver.TasksByStatusQuery, nil)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		st.Tasks[recString(r, "status")] = recInt(r, "n")
	}
	return st, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
