package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/coach-graph/internal/graph"
)

const nodeColumns = `id::text, user_id::text, label, type, description, status, properties,
	created_at, updated_at, deleted_at`

func scanNode(row pgx.Row) (*graph.Node, error) {
	var n graph.Node
	err := row.Scan(&n.ID, &n.OwnerID, &n.Label, &n.Type, &n.Description, &n.Status,
		&n.Properties, &n.CreatedAt, &n.UpdatedAt, &n.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNode inserts a node owned by ownerID.
func (s *Store) CreateNode(ctx context.Context, ownerID string, in graph.NodeInput) (*graph.Node, error) {
	if !validID(ownerID) {
		return nil, graph.ErrUnauthenticated
	}
	status := in.Status
	if status == "" {
		status = graph.StatusCurated
	}
	props := in.Properties
	if props == nil {
		props = map[string]any{}
	}

	n, err := scanNode(s.db.QueryRow(ctx, `
		INSERT INTO graph_nodes (id, user_id, label, type, description, status, properties)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7)
		RETURNING `+nodeColumns,
		uuid.New().String(), ownerID, in.Label, string(in.Type), in.Description, string(status), props,
	))
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	return n, nil
}

// UpdateNode applies the non-nil fields of patch to a live node.
func (s *Store) UpdateNode(ctx context.Context, ownerID string, patch graph.NodePatch) (*graph.Node, error) {
	if !validID(patch.ID) {
		return nil, fmt.Errorf("update node %s: %w", patch.ID, graph.ErrNotFound)
	}

	args := []any{patch.ID, ownerID}
	sets := []string{"updated_at = NOW()"}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Label != nil {
		set("label", *patch.Label)
	}
	if patch.Type != nil {
		set("type", string(*patch.Type))
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Properties != nil {
		set("properties", patch.Properties)
	}

	n, err := scanNode(s.db.QueryRow(ctx, `
		UPDATE graph_nodes SET `+strings.Join(sets, ", ")+`
		WHERE id = $1::uuid AND user_id = $2::uuid AND deleted_at IS NULL
		RETURNING `+nodeColumns, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update node %s: %w", patch.ID, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update node %s: %w", patch.ID, err)
	}
	return n, nil
}

// SoftDeleteNode stamps deleted_at on a node and closes every valid edge
// touching it. Rows are never physically removed.
func (s *Store) SoftDeleteNode(ctx context.Context, ownerID, id string) error {
	if !validID(id) {
		return fmt.Errorf("delete node %s: %w", id, graph.ErrNotFound)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete node %s: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE graph_nodes SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1::uuid AND user_id = $2::uuid AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete node %s: %w", id, graph.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE graph_edges SET valid_to = NOW()
		WHERE user_id = $2::uuid AND valid_to IS NULL
		  AND (source_id = $1::uuid OR target_id = $1::uuid)`, id, ownerID); err != nil {
		return fmt.Errorf("delete node %s: close edges: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("delete node %s: commit: %w", id, err)
	}
	return nil
}

// loadNode reads a node by id whatever its owner or soft-delete state.
func (s *Store) loadNode(ctx context.Context, id string) (*graph.Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load node %s: %w", id, graph.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", id, err)
	}
	return n, nil
}
