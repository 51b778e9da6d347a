package graph

import "encoding/json"

// Operation is the discriminator of a mutation request.
type Operation string

const (
	OpCreateNode Operation = "create_node"
	OpUpdateNode Operation = "update_node"
	OpDeleteNode Operation = "delete_node"
	OpCreateEdge Operation = "create_edge"
	OpDeleteEdge Operation = "delete_edge"
)

// MutationRequest is the body posted to the mutation endpoint.
type MutationRequest struct {
	Operation Operation       `json:"operation" validate:"required,oneof=create_node update_node delete_node create_edge delete_edge"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

// MutationResponse is the envelope returned by the mutation endpoint:
// Data on success, Error otherwise.
type MutationResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NodeInput is the payload of create_node.
type NodeInput struct {
	Label       string         `json:"label" validate:"required,max=200"`
	Type        NodeType       `json:"type" validate:"required,oneof=goal skill emotion session accomplishment"`
	Description string         `json:"description,omitempty" validate:"max=4000"`
	Status      NodeStatus     `json:"status,omitempty" validate:"omitempty,oneof=provisional curated"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// NodePatch is the payload of update_node. Nil fields are left unchanged.
type NodePatch struct {
	ID          string         `json:"id" validate:"required"`
	Label       *string        `json:"label,omitempty" validate:"omitempty,min=1,max=200"`
	Type        *NodeType      `json:"type,omitempty" validate:"omitempty,oneof=goal skill emotion session accomplishment"`
	Description *string        `json:"description,omitempty" validate:"omitempty,max=4000"`
	Status      *NodeStatus    `json:"status,omitempty" validate:"omitempty,oneof=provisional curated"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p NodePatch) Empty() bool {
	return p.Label == nil && p.Type == nil && p.Description == nil && p.Status == nil && p.Properties == nil
}

// EdgeInput is the payload of create_edge.
type EdgeInput struct {
	SourceID   string         `json:"source_id" validate:"required"`
	TargetID   string         `json:"target_id" validate:"required"`
	Type       string         `json:"type,omitempty" validate:"max=64"`
	Label      string         `json:"label,omitempty" validate:"max=200"`
	Weight     float64        `json:"weight" validate:"gte=0"`
	Properties map[string]any `json:"properties,omitempty"`
}

// IDInput is the payload of delete_node and delete_edge.
type IDInput struct {
	ID string `json:"id" validate:"required"`
}
