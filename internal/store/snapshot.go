package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

// LoadSnapshot returns the owner's live nodes and valid edges. When the
// query names a session, nodes are limited to those transitively connected
// to it and edges to those between returned nodes.
func (s *Store) LoadSnapshot(ctx context.Context, q graph.SnapshotQuery) (*graph.Snapshot, error) {
	if !validID(q.OwnerID) {
		return nil, graph.ErrUnauthenticated
	}
	if q.SessionID != "" && !validID(q.SessionID) {
		return nil, fmt.Errorf("load snapshot: session %q: %w", q.SessionID, graph.ErrNotFound)
	}

	var types []string
	for _, t := range q.Types {
		types = append(types, string(t))
	}

	from := "graph_nodes WHERE user_id = $1::uuid AND deleted_at IS NULL"
	args := []any{q.OwnerID, types}
	if q.SessionID != "" {
		from = "graph_session_nodes($1::uuid, $3::uuid) WHERE true"
		args = append(args, q.SessionID)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+nodeColumns+` FROM `+from+`
		  AND ($2::text[] IS NULL OR type = ANY($2::text[]))
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("load snapshot nodes: %w", err)
	}
	defer rows.Close()

	snap := &graph.Snapshot{}
	ids := make(map[string]struct{})
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		ids[n.ID] = struct{}{}
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot nodes: %w", err)
	}

	erows, err := s.db.Query(ctx, `
		SELECT `+edgeColumns+` FROM graph_edges
		WHERE user_id = $1::uuid AND valid_to IS NULL
		ORDER BY created_at, id`, q.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot edges: %w", err)
	}
	defer erows.Close()

	scoped := q.SessionID != "" || len(q.Types) > 0
	for erows.Next() {
		e, err := scanEdge(erows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if scoped {
			_, src := ids[e.SourceID]
			_, dst := ids[e.TargetID]
			if !src || !dst {
				continue
			}
		}
		snap.Edges = append(snap.Edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot edges: %w", err)
	}

	s.logger.Debug("Snapshot loaded",
		zap.String("owner", q.OwnerID),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)))
	return snap, nil
}
