// Package mirror keeps a Neo4j projection of the graph and answers
// session-scoped snapshots by traversal.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

const queueSize = 1024

// job is one unit of work for Run: a change to apply, or an owner whose
// projection is reloaded from a source.
type job struct {
	change  graph.Change
	rebuild string
	from    graph.Source
}

// Mirror handles the Neo4j side of the graph.
type Mirror struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
	queue  chan job
	stale  *staleness
}

// New connects to Neo4j.
func New(uri, user, password string, logger *zap.Logger) (*Mirror, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Mirror{
		driver: driver,
		logger: logger,
		queue:  make(chan job, queueSize),
		stale:  newStaleness(),
	}, nil
}

// Close shuts down the driver.
func (m *Mirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the id constraint the projection relies on.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT graph_node_id IF NOT EXISTS FOR (n:GraphNode) REQUIRE n.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create graph node constraint: %w", err)
	}
	return nil
}

// Apply writes one change to the projection.
func (m *Mirror) Apply(ctx context.Context, c graph.Change) error {
	cypher, params, err := statement(c)
	if err != nil {
		return err
	}
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, cypher, params); err != nil {
		return fmt.Errorf("apply %s on %s: %w", c.EventType, c.Table, err)
	}
	return nil
}

// Enqueue hands a change to Run without blocking. A change that does not
// fit is dropped and its owner's projection is marked stale.
func (m *Mirror) Enqueue(c graph.Change) {
	select {
	case m.queue <- job{change: c}:
	default:
		m.logger.Warn("Mirror queue full, change dropped",
			zap.String("owner", c.OwnerID), zap.String("id", c.RowID()))
		m.MarkStale(c.OwnerID)
	}
}

// MarkStale records that the projection missed changes for ownerID, or
// for every owner when ownerID is empty.
func (m *Mirror) MarkStale(ownerID string) { m.stale.mark(ownerID) }

// Stale reports whether ownerID's projection may be missing changes.
func (m *Mirror) Stale(ownerID string) bool { return m.stale.is(ownerID) }

// RequestRebuild queues a reload of ownerID's projection from src. At most
// one request per owner is pending.
func (m *Mirror) RequestRebuild(ownerID string, src graph.Source) {
	if !m.stale.claim(ownerID) {
		return
	}
	select {
	case m.queue <- job{rebuild: ownerID, from: src}:
	default:
		m.stale.release(ownerID)
	}
}

// Run applies queued work in order until ctx ends. Rebuilds run on the
// same goroutine as changes, so a rebuild never overwrites a later change.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-m.queue:
			if j.rebuild != "" {
				m.rebuildFrom(ctx, j.rebuild, j.from)
				continue
			}
			if err := m.Apply(ctx, j.change); err != nil {
				m.logger.Error("Mirror apply failed", zap.String("id", j.change.RowID()), zap.Error(err))
				m.MarkStale(j.change.OwnerID)
			}
		}
	}
}

func (m *Mirror) rebuildFrom(ctx context.Context, ownerID string, src graph.Source) {
	defer m.stale.release(ownerID)
	st := m.stale.stamp(ownerID)
	snap, err := src.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: ownerID})
	if err == nil {
		err = m.Rebuild(ctx, ownerID, snap)
	}
	if err != nil {
		m.logger.Error("Projection rebuild failed", zap.String("owner", ownerID), zap.Error(err))
		return
	}
	m.stale.clear(ownerID, st)
}

// Rebuild replaces an owner's projection with snap.
func (m *Mirror) Rebuild(ctx context.Context, ownerID string, snap *graph.Snapshot) error {
	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `MATCH (n:GraphNode {owner: $owner}) DETACH DELETE n`,
			map[string]any{"owner": ownerID}); err != nil {
			return nil, err
		}
		for _, n := range snap.Nodes {
			if _, err := tx.Run(ctx, upsertNode, nodeParams(n)); err != nil {
				return nil, err
			}
		}
		for _, e := range snap.Edges {
			if _, err := tx.Run(ctx, upsertEdge, edgeParams(e)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("rebuild projection for %s: %w", ownerID, err)
	}
	m.logger.Info("Projection rebuilt",
		zap.String("owner", ownerID),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("edges", len(snap.Edges)))
	return nil
}

const (
	upsertNode = `
		MERGE (n:GraphNode {id: $id})
		SET n.owner = $owner, n.label = $label, n.type = $type,
		    n.description = $description, n.status = $status,
		    n.properties = $properties, n.created = $created, n.updated = $updated`
	deleteNode = `MATCH (n:GraphNode {id: $id}) DETACH DELETE n`
	upsertEdge = `
		MATCH (a:GraphNode {id: $source}), (b:GraphNode {id: $target})
		MERGE (a)-[r:LINKS {id: $id}]->(b)
		SET r.owner = $owner, r.type = $type, r.label = $label, r.weight = $weight,
		    r.properties = $properties, r.valid_from = $validFrom`
	deleteEdge = `MATCH ()-[r:LINKS {id: $id}]->() DELETE r`
)

// statement turns a change into the Cypher that applies it. UPDATE rows
// carry the full new image, so they are upserts.
func statement(c graph.Change) (string, map[string]any, error) {
	if err := c.Validate(); err != nil {
		return "", nil, err
	}
	id := map[string]any{"id": c.RowID()}

	switch c.Entity() {
	case graph.EntityNode:
		if c.EventType == graph.EventDelete {
			return deleteNode, id, nil
		}
		var n graph.Node
		if err := json.Unmarshal(c.New, &n); err != nil {
			return "", nil, fmt.Errorf("decode node row: %w", err)
		}
		if n.Deleted() {
			return deleteNode, id, nil
		}
		if n.OwnerID == "" {
			n.OwnerID = c.OwnerID
		}
		return upsertNode, nodeParams(&n), nil

	default:
		if c.EventType == graph.EventDelete {
			return deleteEdge, id, nil
		}
		var e graph.Edge
		if err := json.Unmarshal(c.New, &e); err != nil {
			return "", nil, fmt.Errorf("decode edge row: %w", err)
		}
		if e.Invalid() {
			return deleteEdge, id, nil
		}
		if e.OwnerID == "" {
			e.OwnerID = c.OwnerID
		}
		return upsertEdge, edgeParams(&e), nil
	}
}

func nodeParams(n *graph.Node) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"owner":       n.OwnerID,
		"label":       n.Label,
		"type":        string(n.Type),
		"description": n.Description,
		"status":      string(n.Status),
		"properties":  encodeProps(n.Properties),
		"created":     n.CreatedAt.UnixMilli(),
		"updated":     n.UpdatedAt.UnixMilli(),
	}
}

func edgeParams(e *graph.Edge) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"owner":      e.OwnerID,
		"source":     e.SourceID,
		"target":     e.TargetID,
		"type":       e.Type,
		"label":      e.Label,
		"weight":     e.Weight,
		"properties": encodeProps(e.Properties),
		"validFrom":  e.ValidFrom.UnixMilli(),
	}
}

// Neo4j properties cannot hold maps, so the bag is stored as JSON text.
func encodeProps(p map[string]any) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeProps(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var p map[string]any
	if json.Unmarshal([]byte(s), &p) != nil {
		return nil
	}
	return p
}

func millis(v any) time.Time {
	if ms, ok := v.(int64); ok && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
