package mirror

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

// LoadSnapshot implements graph.Source from the projection. With a session
// id, nodes are those reachable from the session node at any depth,
// following links in either direction.
func (m *Mirror) LoadSnapshot(ctx context.Context, q graph.SnapshotQuery) (*graph.Snapshot, error) {
	if q.OwnerID == "" {
		return nil, graph.ErrUnauthenticated
	}
	var types []string
	for _, t := range q.Types {
		types = append(types, string(t))
	}

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	nodeQuery := `
		MATCH (n:GraphNode {owner: $owner})
		WHERE $types IS NULL OR n.type IN $types
		RETURN n.id AS id, n.label AS label, n.type AS type, n.description AS description,
		       n.status AS status, n.properties AS properties, n.created AS created, n.updated AS updated
		ORDER BY created, id`
	if q.SessionID != "" {
		nodeQuery = `
		MATCH (s:GraphNode {id: $session, owner: $owner})
		MATCH (s)-[:LINKS*0..]-(n:GraphNode {owner: $owner})
		WITH DISTINCT n
		WHERE $types IS NULL OR n.type IN $types
		RETURN n.id AS id, n.label AS label, n.type AS type, n.description AS description,
		       n.status AS status, n.properties AS properties, n.created AS created, n.updated AS updated
		ORDER BY created, id`
	}
	params := map[string]any{"owner": q.OwnerID, "types": nilIfEmpty(types), "session": q.SessionID}

	result, err := session.Run(ctx, nodeQuery, params)
	if err != nil {
		return nil, fmt.Errorf("query projection nodes: %w", err)
	}
	snap := &graph.Snapshot{}
	var ids []string
	for result.Next(ctx) {
		rec := result.Record()
		n := &graph.Node{OwnerID: q.OwnerID}
		n.ID = str(rec, "id")
		n.Label = str(rec, "label")
		n.Type = graph.NodeType(str(rec, "type"))
		n.Description = str(rec, "description")
		n.Status = graph.NodeStatus(str(rec, "status"))
		n.Properties = decodeProps(str(rec, "properties"))
		if v, ok := rec.Get("created"); ok {
			n.CreatedAt = millis(v)
		}
		if v, ok := rec.Get("updated"); ok {
			n.UpdatedAt = millis(v)
		}
		snap.Nodes = append(snap.Nodes, n)
		ids = append(ids, n.ID)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read projection nodes: %w", err)
	}

	if len(ids) > 0 {
		result, err = session.Run(ctx, `
			MATCH (a:GraphNode)-[r:LINKS]->(b:GraphNode)
			WHERE a.id IN $ids AND b.id IN $ids
			RETURN r.id AS id, a.id AS source, b.id AS target, r.type AS type, r.label AS label,
			       r.weight AS weight, r.properties AS properties, r.valid_from AS validFrom
			ORDER BY validFrom, id`, map[string]any{"ids": ids})
		if err != nil {
			return nil, fmt.Errorf("query projection edges: %w", err)
		}
		for result.Next(ctx) {
			rec := result.Record()
			e := &graph.Edge{OwnerID: q.OwnerID}
			e.ID = str(rec, "id")
			e.SourceID = str(rec, "source")
			e.TargetID = str(rec, "target")
			e.Type = str(rec, "type")
			e.Label = str(rec, "label")
			if v, ok := rec.Get("weight"); ok && v != nil {
				e.Weight, _ = v.(float64)
			}
			e.Properties = decodeProps(str(rec, "properties"))
			if v, ok := rec.Get("validFrom"); ok {
				e.ValidFrom = millis(v)
			}
			snap.Edges = append(snap.Edges, e)
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("read projection edges: %w", err)
		}
	}

	m.logger.Debug("Projection snapshot",
		zap.String("owner", q.OwnerID),
		zap.String("session", q.SessionID),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)))
	return snap, nil
}

func str(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		s, _ := v.(string)
		return s
	}
	return ""
}

func nilIfEmpty(s []string) any {
	if len(s) == 0 {
		return nil
	}
	return s
}
