package graph

import (
	"fmt"
	"time"
)

// NodeType categorizes a node in a user's knowledge graph.
type NodeType string

const (
	NodeGoal           NodeType = "goal"
	NodeSkill          NodeType = "skill"
	NodeEmotion        NodeType = "emotion"
	NodeSession        NodeType = "session"
	NodeAccomplishment NodeType = "accomplishment"
)

// NodeTypes lists every node type in ring order, innermost first.
var NodeTypes = []NodeType{NodeGoal, NodeSkill, NodeSession, NodeEmotion, NodeAccomplishment}

// ParseNodeType validates a raw type name.
func ParseNodeType(s string) (NodeType, error) {
	for _, t := range NodeTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// NodeStatus distinguishes voice-captured entries from curated ones.
type NodeStatus string

const (
	StatusProvisional NodeStatus = "provisional"
	StatusCurated     NodeStatus = "curated"
)

// Node is a unit in a user's knowledge graph.
type Node struct {
	ID          string         `json:"id"`
	Label       string         `json:"label"`
	Type        NodeType       `json:"type"`
	Description string         `json:"description,omitempty"`
	Status      NodeStatus     `json:"status,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	OwnerID     string         `json:"user_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at"`
}

// Deleted reports whether the node carries a soft-delete marker.
func (n *Node) Deleted() bool { return n.DeletedAt != nil }

// Clone returns a copy that shares no mutable state with n.
func (n *Node) Clone() *Node {
	c := *n
	c.Properties = cloneProps(n.Properties)
	if n.DeletedAt != nil {
		t := *n.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Type       string         `json:"type,omitempty"`
	Label      string         `json:"label,omitempty"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
	OwnerID    string         `json:"user_id"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidTo    *time.Time     `json:"valid_to"`
}

// Invalid reports whether the edge's validity window has been closed.
func (e *Edge) Invalid() bool { return e.ValidTo != nil }

// Clone returns a copy that shares no mutable state with e.
func (e *Edge) Clone() *Edge {
	c := *e
	c.Properties = cloneProps(e.Properties)
	if e.ValidTo != nil {
		t := *e.ValidTo
		c.ValidTo = &t
	}
	return &c
}

func cloneProps(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Session carries the authenticated caller. It is passed explicitly to
// every component that talks to the remote store.
type Session struct {
	UserID      string
	AccessToken string
}

// Authenticated reports whether the session identifies a user.
func (s Session) Authenticated() bool { return s.UserID != "" }

// TypeFilter is an active node-type filter. The zero value admits every type.
type TypeFilter map[NodeType]struct{}

// NewTypeFilter builds a filter from a list of types.
func NewTypeFilter(types ...NodeType) TypeFilter {
	if len(types) == 0 {
		return nil
	}
	f := make(TypeFilter, len(types))
	for _, t := range types {
		f[t] = struct{}{}
	}
	return f
}

// Allows reports whether nodes of type t pass the filter.
func (f TypeFilter) Allows(t NodeType) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[t]
	return ok
}

// Types returns the filter's members in ring order.
func (f TypeFilter) Types() []NodeType {
	var out []NodeType
	for _, t := range NodeTypes {
		if _, ok := f[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// SnapshotQuery scopes a snapshot fetch.
type SnapshotQuery struct {
	OwnerID string
	Types   []NodeType
	// SessionID restricts nodes to those transitively connected to this session node.
	SessionID string
}

// Snapshot is a point-in-time copy of a user's graph.
type Snapshot struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}
