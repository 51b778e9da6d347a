package graph

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType is the kind of row change carried by a live event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Entity names the collection a change applies to.
type Entity string

const (
	EntityNode Entity = "node"
	EntityEdge Entity = "edge"
)

const (
	TableNodes = "graph_nodes"
	TableEdges = "graph_edges"
)

// Change is a single live-change event. New and Old hold the raw row
// images; an UPDATE may carry only the changed columns in New.
type Change struct {
	Table     string          `json:"table"`
	EventType EventType       `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	OwnerID   string          `json:"owner,omitempty"`
}

// Entity maps the change's table to the collection it touches.
func (c Change) Entity() Entity {
	if c.Table == TableEdges {
		return EntityEdge
	}
	return EntityNode
}

// RowID returns the id of the affected row, preferring the old image.
func (c Change) RowID() string {
	var row struct {
		ID string `json:"id"`
	}
	if len(c.Old) > 0 && json.Unmarshal(c.Old, &row) == nil && row.ID != "" {
		return row.ID
	}
	if len(c.New) > 0 && json.Unmarshal(c.New, &row) == nil {
		return row.ID
	}
	return ""
}

// Validate rejects shapes the synchronizer cannot apply.
func (c Change) Validate() error {
	if c.Table != TableNodes && c.Table != TableEdges {
		return fmt.Errorf("change: unknown table %q", c.Table)
	}
	switch c.EventType {
	case EventInsert, EventUpdate:
		if isNullJSON(c.New) {
			return fmt.Errorf("change: %s on %s without new row", c.EventType, c.Table)
		}
	case EventDelete:
		if isNullJSON(c.Old) && isNullJSON(c.New) {
			return fmt.Errorf("change: DELETE on %s without row", c.Table)
		}
	default:
		return fmt.Errorf("change: unknown event type %q", c.EventType)
	}
	if c.RowID() == "" {
		return fmt.Errorf("change: %s on %s without id", c.EventType, c.Table)
	}
	return nil
}

// DecodeChange parses and validates a wire-format change event.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	return c, nil
}

func isNullJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Source fetches snapshots from the remote store.
type Source interface {
	LoadSnapshot(ctx context.Context, q SnapshotQuery) (*Snapshot, error)
}

// Feed delivers live-change events for one owner. The returned channel is
// closed when ctx ends or the transport gives up.
type Feed interface {
	Subscribe(ctx context.Context, ownerID string) (<-chan Change, error)
}
