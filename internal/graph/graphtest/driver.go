// Package graphtest provides an in-memory GraphDriver so store behavior can
// be exercised without a running Memgraph.
package graphtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tracelabs/whaletrace/internal/driver"
)

type edgeKey struct {
	Source string
	Target string
	Type   string
}

type taskKey struct {
	Address string
	Layer   string
}

// Driver keeps the whole graph in maps and dispatches on the shared query
// constants. Write runs the work directly; rollback is not emulated.
type Driver struct {
	mu           sync.Mutex
	entities     map[string]driver.Record
	clusters     map[string]driver.Record
	rels         map[edgeKey]driver.Record
	clusterLinks map[edgeKey]driver.Record
	evidence     []driver.Record
	tasks        map[taskKey]driver.Record
}

func NewDriver() *Driver {
	return &Driver{
		entities:     map[string]driver.Record{},
		clusters:     map[string]driver.Record{},
		rels:         map[edgeKey]driver.Record{},
		clusterLinks: map[edgeKey]driver.Record{},
		tasks:        map[taskKey]driver.Record{},
	}
}

func (d *Driver) InitSchema(ctx context.Context) error { return nil }
func (d *Driver) Close(ctx context.Context) error      { return nil }

func (d *Driver) Write(ctx context.Context, work func(ctx context.Context, tx driver.Tx) error) error {
	return work(ctx, d)
}

func str(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func i64(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func strList(params map[string]any, key string) []string {
	switch v := params[key].(type) {
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

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]driver.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(r driver.Record) driver.Record {
	out := make(driver.Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (d *Driver) Run(ctx context.Context, query string, params map[string]any) ([]driver.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch query {
	case driver.GetEntityQuery, driver.EntityExistsQuery:
		if e, ok := d.entities[str(params, "address")]; ok {
			return []driver.Record{clone(e)}, nil
		}
		return nil, nil

	case driver.SaveEntityQuery:
		addr := str(params, "address")
		d.entities[addr] = driver.Record{
			"address":       addr,
			"identity":      params["identity"],
			"entity_type":   params["entity_type"],
			"type_priority": params["type_priority"],
			"confidence":    params["confidence"],
			"cluster_id":    params["cluster_id"],
			"ens_name":      params["ens_name"],
			"created_at":    params["created_at"],
			"updated_at":    params["updated_at"],
		}
		return []driver.Record{{"address": addr}}, nil

	case driver.GetClusterQuery:
		if c, ok := d.clusters[str(params, "id")]; ok {
			return []driver.Record{clone(c)}, nil
		}
		return nil, nil

	case driver.AllClustersQuery:
		out := make([]driver.Record, 0, len(d.clusters))
		for _, c := range d.clusters {
			out = append(out, clone(c))
		}
		sort.Slice(out, func(i, j int) bool {
			return str(out[i], "id") < str(out[j], "id")
		})
		return out, nil

	case driver.SaveClusterQuery:
		id := str(params, "id")
		d.clusters[id] = driver.Record{
			"id":                id,
			"name":              params["name"],
			"detection_methods": params["detection_methods"],
			"confidence":        params["confidence"],
			"created_at":        params["created_at"],
			"updated_at":        params["updated_at"],
		}
		return []driver.Record{{"id": id}}, nil

	case driver.ClusterMembersQuery:
		id := str(params, "id")
		var out []driver.Record
		for _, e := range d.entities {
			if str(e, "cluster_id") == id {
				out = append(out, driver.Record{"address": e["address"]})
			}
		}
		return out, nil

	case driver.ReassignClusterMembersQuery:
		absorbed := strList(params, "absorbed")
		for _, e := range d.entities {
			if contains(absorbed, str(e, "cluster_id")) {
				e["cluster_id"] = params["surviving"]
				e["updated_at"] = params["now"]
			}
		}
		return nil, nil

	case driver.MigrateRelationshipClusterRefsQuery:
		absorbed := strList(params, "absorbed")
		for _, r := range d.rels {
			if contains(absorbed, str(r, "cluster_id")) {
				r["cluster_id"] = params["surviving"]
			}
		}
		return nil, nil

	case driver.RepointInboundClusterEdgesQuery:
		d.repointClusterEdges(params, false)
		return nil, nil

	case driver.RepointOutboundClusterEdgesQuery:
		d.repointClusterEdges(params, true)
		return nil, nil

	case driver.DeleteClusterSelfEdgesQuery:
		id := str(params, "surviving")
		for k := range d.clusterLinks {
			if k.Source == id && k.Target == id {
				delete(d.clusterLinks, k)
			}
		}
		return nil, nil

	case driver.DeleteClustersQuery:
		absorbed := strList(params, "absorbed")
		for _, id := range absorbed {
			delete(d.clusters, id)
			for k := range d.clusterLinks {
				if k.Source == id || k.Target == id {
					delete(d.clusterLinks, k)
				}
			}
		}
		return nil, nil

	case driver.ClusterRefCountQuery:
		id := str(params, "id")
		n := int64(0)
		for _, r := range d.rels {
			if str(r, "cluster_id") == id {
				n++
			}
		}
		return []driver.Record{{"n": n}}, nil

	case driver.ClusterEdgeCountQuery:
		id := str(params, "id")
		n := int64(0)
		for k := range d.clusterLinks {
			if k.Source == id || k.Target == id {
				n++
			}
		}
		return []driver.Record{{"n": n}}, nil

	case driver.GetRelationshipQuery:
		key := edgeKey{str(params, "source"), str(params, "target"), str(params, "type")}
		if r, ok := d.rels[key]; ok {
			return []driver.Record{clone(r)}, nil
		}
		return nil, nil

	case driver.SaveRelationshipQuery:
		for _, side := range []string{"source", "target"} {
			addr := str(params, side)
			if _, ok := d.entities[addr]; !ok {
				d.entities[addr] = driver.Record{
					"address": addr, "identity": "", "entity_type": "unknown",
					"type_priority": int64(0), "confidence": 0.0, "cluster_id": "",
					"ens_name": "", "created_at": params["now"], "updated_at": params["now"],
				}
			}
		}
		key := edgeKey{str(params, "source"), str(params, "target"), str(params, "type")}
		d.rels[key] = driver.Record{
			"source":       key.Source,
			"target":       key.Target,
			"type":         key.Type,
			"confidence":   params["confidence"],
			"evidence_ref": params["evidence_ref"],
			"cluster_id":   params["cluster_id"],
			"created_at":   params["created_at"],
		}
		return []driver.Record{{"type": key.Type}}, nil

	case driver.SaveClusterLinkQuery:
		src, tgt := str(params, "source"), str(params, "target")
		if _, ok := d.clusters[src]; !ok {
			return nil, fmt.Errorf("graphtest: no cluster %s", src)
		}
		if _, ok := d.clusters[tgt]; !ok {
			return nil, fmt.Errorf("graphtest: no cluster %s", tgt)
		}
		key := edgeKey{src, tgt, str(params, "type")}
		d.clusterLinks[key] = driver.Record{
			"source": src, "target": tgt, "type": key.Type,
			"confidence":   params["confidence"],
			"evidence_ref": params["evidence_ref"],
			"created_at":   params["now"],
		}
		return []driver.Record{{"type": key.Type}}, nil

	case driver.NeighborsQuery:
		addr := str(params, "address")
		var out []driver.Record
		for k, r := range d.rels {
			switch addr {
			case k.Source:
				out = append(out, driver.Record{"address": k.Target, "type": k.Type, "confidence": r["confidence"]})
			case k.Target:
				out = append(out, driver.Record{"address": k.Source, "type": k.Type, "confidence": r["confidence"]})
			}
		}
		return out, nil

	case driver.OutgoingRelationshipsQuery:
		return d.relRecords(func(k edgeKey) bool { return k.Source == str(params, "address") }), nil

	case driver.IncomingRelationshipsQuery:
		return d.relRecords(func(k edgeKey) bool { return k.Target == str(params, "address") }), nil

	case driver.AllRelationshipsQuery:
		return d.relRecords(func(edgeKey) bool { return true }), nil

	case driver.AddEvidenceQuery:
		addr := str(params, "entity_address")
		if _, ok := d.entities[addr]; !ok {
			d.entities[addr] = driver.Record{
				"address": addr, "identity": "", "entity_type": "unknown",
				"type_priority": int64(0), "confidence": 0.0, "cluster_id": "",
				"ens_name": "", "created_at": params["now"], "updated_at": params["now"],
			}
		}
		d.evidence = append(d.evidence, driver.Record{
			"id":             params["id"],
			"entity_address": addr,
			"source":         params["source"],
			"claim":          params["claim"],
			"confidence":     params["confidence"],
			"url":            params["url"],
			"created_at":     params["now"],
		})
		return []driver.Record{{"id": params["id"]}}, nil

	case driver.EvidenceForEntityQuery:
		addr := str(params, "address")
		var out []driver.Record
		for _, ev := range d.evidence {
			if str(ev, "entity_address") == addr {
				out = append(out, clone(ev))
			}
		}
		return out, nil

	case driver.EvidenceBatchQuery:
		addrs := strList(params, "addresses")
		var out []driver.Record
		for _, ev := range d.evidence {
			if contains(addrs, str(ev, "entity_address")) {
				out = append(out, clone(ev))
			}
		}
		return out, nil

	case driver.EnqueueTaskQuery:
		key := taskKey{str(params, "address"), str(params, "layer")}
		if _, ok := d.tasks[key]; !ok {
			d.tasks[key] = driver.Record{
				"address": key.Address, "layer": key.Layer, "status": "pending",
				"attempts": int64(0), "last_error": "", "updated_at": params["now"],
			}
		}
		t := d.tasks[key]
		return []driver.Record{{"status": t["status"], "attempts": t["attempts"]}}, nil

	case driver.GetTaskQuery:
		key := taskKey{str(params, "address"), str(params, "layer")}
		if t, ok := d.tasks[key]; ok {
			return []driver.Record{clone(t)}, nil
		}
		return nil, nil

	case driver.NextPendingTasksQuery:
		layer := str(params, "layer")
		max := i64(params, "max_attempts")
		var out []driver.Record
		for _, t := range d.tasks {
			status := str(t, "status")
			if str(t, "layer") == layer && (status == "pending" || status == "error") && i64(t, "attempts") < max {
				out = append(out, clone(t))
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if str(out[i], "updated_at") != str(out[j], "updated_at") {
				return str(out[i], "updated_at") < str(out[j], "updated_at")
			}
			return str(out[i], "address") < str(out[j], "address")
		})
		if limit := int(i64(params, "limit")); limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil

	case driver.UpdateTaskQuery:
		key := taskKey{str(params, "address"), str(params, "layer")}
		t, ok := d.tasks[key]
		if !ok {
			return nil, nil
		}
		t["status"] = params["status"]
		t["attempts"] = params["attempts"]
		t["last_error"] = params["last_error"]
		t["updated_at"] = params["now"]
		return []driver.Record{{"status": t["status"]}}, nil

	case driver.ResetStaleTasksQuery:
		n := int64(0)
		for _, t := range d.tasks {
			if str(t, "status") == "processing" {
				t["status"] = "pending"
				t["updated_at"] = params["now"]
				n++
			}
		}
		return []driver.Record{{"n": n}}, nil

	case driver.FailedTasksQuery:
		max := i64(params, "max_attempts")
		var out []driver.Record
		for _, t := range d.tasks {
			if str(t, "status") == "error" && i64(t, "attempts") >= max {
				out = append(out, clone(t))
			}
		}
		return out, nil

	case driver.IdentifiedEntitiesQuery:
		var out []driver.Record
		for _, addr := range sortedKeys(d.entities) {
			if str(d.entities[addr], "identity") != "" {
				out = append(out, clone(d.entities[addr]))
			}
		}
		return out, nil

	case driver.CountEntitiesQuery:
		return []driver.Record{{"n": int64(len(d.entities))}}, nil

	case driver.CountIdentifiedQuery:
		n := int64(0)
		for _, e := range d.entities {
			if str(e, "identity") != "" {
				n++
			}
		}
		return []driver.Record{{"n": n}}, nil

	case driver.CountClustersQuery:
		return []driver.Record{{"n": int64(len(d.clusters))}}, nil

	case driver.CountRelationshipsQuery:
		return []driver.Record{{"n": int64(len(d.rels) + len(d.clusterLinks))}}, nil

	case driver.CountEvidenceQuery:
		return []driver.Record{{"n": int64(len(d.evidence))}}, nil

	case driver.TasksByStatusQuery:
		byStatus := map[string]int64{}
		for _, t := range d.tasks {
			byStatus[str(t, "status")]++
		}
		var out []driver.Record
		for status, n := range byStatus {
			out = append(out, driver.Record{"status": status, "n": n})
		}
		return out, nil
	}

	return nil, fmt.Errorf("graphtest: unhandled query: %s", query)
}

func (d *Driver) repointClusterEdges(params map[string]any, outbound bool) {
	absorbed := strList(params, "absorbed")
	surviving := str(params, "surviving")
	for k, r := range d.clusterLinks {
		endpoint := k.Target
		if outbound {
			endpoint = k.Source
		}
		if !contains(absorbed, endpoint) {
			continue
		}
		nk := k
		if outbound {
			nk.Source = surviving
		} else {
			nk.Target = surviving
		}
		delete(d.clusterLinks, k)
		if _, exists := d.clusterLinks[nk]; !exists {
			moved := clone(r)
			moved["source"] = nk.Source
			moved["target"] = nk.Target
			d.clusterLinks[nk] = moved
		}
	}
}

func (d *Driver) relRecords(match func(edgeKey) bool) []driver.Record {
	var out []driver.Record
	for k, r := range d.rels {
		if match(k) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if str(out[i], "source") != str(out[j], "source") {
			return str(out[i], "source") < str(out[j], "source")
		}
		if str(out[i], "target") != str(out[j], "target") {
			return str(out[i], "target") < str(out[j], "target")
		}
		return str(out[i], "type") < str(out[j], "type")
	})
	return out
}
