package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/coach-graph/internal/graph"
)

const edgeColumns = `id::text, user_id::text, source_id::text, target_id::text, type, label,
	weight, properties, valid_from, valid_to`

func scanEdge(row pgx.Row) (*graph.Edge, error) {
	var e graph.Edge
	err := row.Scan(&e.ID, &e.OwnerID, &e.SourceID, &e.TargetID, &e.Type, &e.Label,
		&e.Weight, &e.Properties, &e.ValidFrom, &e.ValidTo)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEdge links two live nodes of the same owner. Endpoints that do not
// exist, are deleted, or belong to someone else are rejected.
func (s *Store) CreateEdge(ctx context.Context, ownerID string, in graph.EdgeInput) (*graph.Edge, error) {
	if !validID(in.SourceID) || !validID(in.TargetID) {
		return nil, fmt.Errorf("create edge: malformed endpoint: %w", graph.ErrValidationRejected)
	}
	edgeType := in.Type
	if edgeType == "" {
		edgeType = "relates_to"
	}
	props := in.Properties
	if props == nil {
		props = map[string]any{}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create edge: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	want := 2
	if in.SourceID == in.TargetID {
		want = 1
	}
	var owned int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM graph_nodes
		WHERE id IN ($1::uuid, $2::uuid) AND user_id = $3::uuid AND deleted_at IS NULL
		FOR SHARE`, in.SourceID, in.TargetID, ownerID).Scan(&owned)
	if err != nil {
		return nil, fmt.Errorf("create edge: check endpoints: %w", err)
	}
	if owned != want {
		return nil, fmt.Errorf("create edge: endpoint not owned by caller: %w", graph.ErrValidationRejected)
	}

	e, err := scanEdge(tx.QueryRow(ctx, `
		INSERT INTO graph_edges (id, user_id, source_id, target_id, type, label, weight, properties)
		VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5, $6, $7, $8)
		RETURNING `+edgeColumns,
		uuid.New().String(), ownerID, in.SourceID, in.TargetID, edgeType, in.Label, in.Weight, props,
	))
	if err != nil {
		return nil, fmt.Errorf("create edge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("create edge: commit: %w", err)
	}
	return e, nil
}

// InvalidateEdge closes an edge's validity window.
func (s *Store) InvalidateEdge(ctx context.Context, ownerID, id string) error {
	if !validID(id) {
		return fmt.Errorf("invalidate edge %s: %w", id, graph.ErrNotFound)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE graph_edges SET valid_to = NOW()
		WHERE id = $1::uuid AND user_id = $2::uuid AND valid_to IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("invalidate edge %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invalidate edge %s: %w", id, graph.ErrNotFound)
	}
	return nil
}

// loadEdge reads an edge by id whatever its owner or validity.
func (s *Store) loadEdge(ctx context.Context, id string) (*graph.Edge, error) {
	e, err := scanEdge(s.db.QueryRow(ctx, `
		SELECT `+edgeColumns+` FROM graph_edges WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load edge %s: %w", id, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load edge %s: %w", id, err)
	}
	return e, nil
}
