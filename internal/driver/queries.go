package driver

const (
	GetEntityQuery = `
		MATCH (n:Entity {address: $address})
		RETURN n.address AS address,
			n.identity AS identity,
			n.entity_type AS entity_type,
			n.type_priority AS type_priority,
			n.confidence AS confidence,
			n.cluster_id AS cluster_id,
			n.ens_name AS ens_name,
			n.created_at AS created_at,
			n.updated_at AS updated_at
	`

	SaveEntityQuery = `
		MERGE (n:Entity {address: $address})
		SET n.identity = $identity,
			n.entity_type = $entity_type,
			n.type_priority = $type_priority,
			n.confidence = $confidence,
			n.cluster_id = $cluster_id,
			n.ens_name = $ens_name,
			n.created_at = $created_at,
			n.updated_at = $updated_at
		RETURN n.address AS address
	`

	EntityExistsQuery = `
		MATCH (n:Entity {address: $address})
		RETURN n.address AS address
	`

	GetClusterQuery = `
		MATCH (c:Cluster {id: $id})
		RETURN c.id AS id,
			c.name AS name,
			c.detection_methods AS detection_methods,
			c.confidence AS confidence,
			c.created_at AS created_at,
			c.updated_at AS updated_at
	`

	AllClustersQuery = `
		MATCH (c:Cluster)
		RETURN c.id AS id,
			c.name AS name,
			c.detection_methods AS detection_methods,
			c.confidence AS confidence,
			c.created_at AS created_at,
			c.updated_at AS updated_at
	`

	SaveClusterQuery = `
		MERGE (c:Cluster {id: $id})
		SET c.name = $name,
			c.detection_methods = $detection_methods,
			c.confidence = $confidence,
			c.created_at = $created_at,
			c.updated_at = $updated_at
		RETURN c.id AS id
	`

	ClusterMembersQuery = `
		MATCH (n:Entity {cluster_id: $id})
		RETURN n.address AS address
	`

	ReassignClusterMembersQuery = `
		MATCH (n:Entity)
		WHERE n.cluster_id IN $absorbed
		SET n.cluster_id = $surviving, n.updated_at = $now
	`

	MigrateRelationshipClusterRefsQuery = `
		MATCH ()-[r:REL]->()
		WHERE r.cluster_id IN $absorbed
		SET r.cluster_id = $surviving
	`

	// Edges into an absorbed cluster node are re-pointed at the survivor. The
	// unique (source, type) MERGE collapses duplicates created by the move.
	RepointInboundClusterEdgesQuery = `
		MATCH (x)-[r:REL]->(c:Cluster)
		WHERE c.id IN $absorbed
		MATCH (s:Cluster {id: $surviving})
		MERGE (x)-[r2:REL {type: r.type}]->(s)
		ON CREATE SET r2.confidence = r.confidence,
			r2.evidence_ref = r.evidence_ref,
			r2.created_at = r.created_at,
			r2.updated_at = $now
		DELETE r
	`

	RepointOutboundClusterEdgesQuery = `
		MATCH (c:Cluster)-[r:REL]->(x)
		WHERE c.id IN $absorbed
		MATCH (s:Cluster {id: $surviving})
		MERGE (s)-[r2:REL {type: r.type}]->(x)
		ON CREATE SET r2.confidence = r.confidence,
			r2.evidence_ref = r.evidence_ref,
			r2.created_at = r.created_at,
			r2.updated_at = $now
		DELETE r
	`

	DeleteClusterSelfEdgesQuery = `
		MATCH (c:Cluster {id: $surviving})-[r:REL]->(c)
		DELETE r
	`

	DeleteClustersQuery = `
		MATCH (c:Cluster)
		WHERE c.id IN $absorbed
		DETACH DELETE c
	`

	ClusterRefCountQuery = `
		MATCH ()-[r:REL]->()
		WHERE r.cluster_id = $id
		RETURN count(r) AS n
	`

	ClusterEdgeCountQuery = `
		MATCH (c:Cluster {id: $id})-[r:REL]-()
		RETURN count(r) AS n
	`

	GetRelationshipQuery = `
		MATCH (a:Entity {address: $source})-[r:REL {type: $type}]->(b:Entity {address: $target})
		RETURN r.confidence AS confidence,
			r.evidence_ref AS evidence_ref,
			r.cluster_id AS cluster_id,
			r.created_at AS created_at
	`

	SaveRelationshipQuery = `
		MERGE (a:Entity {address: $source})
		ON CREATE SET a.entity_type = 'unknown', a.type_priority = 0,
			a.confidence = 0.0, a.created_at = $now, a.updated_at = $now
		MERGE (b:Entity {address: $target})
		ON CREATE SET b.entity_type = 'unknown', b.type_priority = 0,
			b.confidence = 0.0, b.created_at = $now, b.updated_at = $now
		MERGE (a)-[r:REL {type: $type}]->(b)
		SET r.confidence = $confidence,
			r.evidence_ref = $evidence_ref,
			r.cluster_id = $cluster_id,
			r.created_at = $created_at,
			r.updated_at = $now
		RETURN r.type AS type
	`

	SaveClusterLinkQuery = `
		MATCH (a:Cluster {id: $source})
		MATCH (b:Cluster {id: $target})
		MERGE (a)-[r:REL {type: $type}]->(b)
		SET r.confidence = $confidence,
			r.evidence_ref = $evidence_ref,
			r.created_at = $now,
			r.updated_at = $now
		RETURN r.type AS type
	`

	NeighborsQuery = `
		MATCH (a:Entity {address: $address})-[r:REL]-(b:Entity)
		RETURN b.address AS address,
			r.type AS type,
			r.confidence AS confidence
	`

	OutgoingRelationshipsQuery = `
		MATCH (a:Entity {address: $address})-[r:REL]->(b:Entity)
		RETURN a.address AS source, b.address AS target,
			r.type AS type, r.confidence AS confidence,
			r.evidence_ref AS evidence_ref, r.cluster_id AS cluster_id
	`

	IncomingRelationshipsQuery = `
		MATCH (a:Entity)-[r:REL]->(b:Entity {address: $address})
		RETURN a.address AS source, b.address AS target,
			r.type AS type, r.confidence AS confidence,
			r.evidence_ref AS evidence_ref, r.cluster_id AS cluster_id
	`

	AllRelationshipsQuery = `
		MATCH (a:Entity)-[r:REL]->(b:Entity)
		RETURN a.address AS source, b.address AS target,
			r.type AS type, r.confidence AS confidence,
			r.evidence_ref AS evidence_ref, r.cluster_id AS cluster_id
	`

	AddEvidenceQuery = `
		MERGE (n:Entity {address: $entity_address})
		ON CREATE SET n.entity_type = 'unknown', n.type_priority = 0,
			n.confidence = 0.0, n.created_at = $now, n.updated_at = $now
		CREATE (v:Evidence {id: $id, entity_address: $entity_address,
			source: $source, claim: $claim, confidence: $confidence,
			url: $url, created_at: $now})
		CREATE (n)-[:HAS_EVIDENCE]->(v)
		RETURN v.id AS id
	`

	EvidenceForEntityQuery = `
		MATCH (v:Evidence {entity_address: $address})
		RETURN v.entity_address AS entity_address, v.source AS source,
			v.claim AS claim, v.confidence AS confidence,
			v.url AS url, v.created_at AS created_at
		ORDER BY v.created_at
	`

	// Single round trip for a whole address set; export must never fall back
	// to one query per entity.
	EvidenceBatchQuery = `
		MATCH (v:Evidence)
		WHERE v.entity_address IN $addresses
		RETURN v.entity_address AS entity_address, v.source AS source,
			v.claim AS claim, v.confidence AS confidence,
			v.url AS url, v.created_at AS created_at
		ORDER BY v.entity_address, v.created_at
	`

	EnqueueTaskQuery = `
		MERGE (t:Task {address: $address, layer: $layer})
		ON CREATE SET t.status = 'pending', t.attempts = 0,
			t.last_error = '', t.updated_at = $now
		RETURN t.status AS status, t.attempts AS attempts
	`

	GetTaskQuery = `
		MATCH (t:Task {address: $address, layer: $layer})
		RETURN t.address AS address, t.layer AS layer, t.status AS status,
			t.attempts AS attempts, t.last_error AS last_error,
			t.updated_at AS updated_at
	`

	// Errored tasks stay eligible for retry until they exhaust their attempts.
	NextPendingTasksQuery = `
		MATCH (t:Task {layer: $layer})
		WHERE t.status IN ['pending', 'error'] AND t.attempts < $max_attempts
		RETURN t.address AS address, t.attempts AS attempts
		ORDER BY t.updated_at
		LIMIT $limit
	`

	UpdateTaskQuery = `
		MATCH (t:Task {address: $address, layer: $layer})
		SET t.status = $status,
			t.attempts = $attempts,
			t.last_error = $last_error,
			t.updated_at = $now
		RETURN t.status AS status
	`

	ResetStaleTasksQuery = `
		MATCH (t:Task {status: 'processing'})
		SET t.status = 'pending', t.updated_at = $now
		RETURN count(t) AS n
	`

	FailedTasksQuery = `
		MATCH (t:Task {status: 'error'})
		WHERE t.attempts >= $max_attempts
		RETURN t.address AS address, t.layer AS layer,
			t.attempts AS attempts, t.last_error AS last_error,
			t.updated_at AS updated_at
	`

	IdentifiedEntitiesQuery = `
		MATCH (n:Entity)
		WHERE n.identity IS NOT NULL AND n.identity <> ''
		RETURN n.address AS address,
			n.identity AS identity,
			n.entity_type AS entity_type,
			n.type_priority AS type_priority,
			n.confidence AS confidence,
			n.cluster_id AS cluster_id,
			n.ens_name AS ens_name,
			n.created_at AS created_at,
			n.updated_at AS updated_at
		ORDER BY n.address
	`

	CountEntitiesQuery      = `MATCH (n:Entity) RETURN count(n) AS n`
	CountIdentifiedQuery    = `MATCH (n:Entity) WHERE n.identity IS NOT NULL AND n.identity <> '' RETURN count(n) AS n`
	CountClustersQuery      = `MATCH (c:Cluster) RETURN count(c) AS n`
	CountRelationshipsQuery = `MATCH ()-[r:REL]->() RETURN count(r) AS n`
	CountEvidenceQuery      = `MATCH (v:Evidence) RETURN count(v) AS n`
	TasksByStatusQuery      = `MATCH (t:Task) RETURN t.status AS status, count(t) AS n`
)
