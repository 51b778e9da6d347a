package view

import "github.com/nidhogg/coach-graph/internal/graph"

// NodeElement is a node in the rendering engine's input format.
type NodeElement struct {
	ID         string           `json:"id"`
	Label      string           `json:"label"`
	Type       graph.NodeType   `json:"type"`
	Status     graph.NodeStatus `json:"status,omitempty"`
	Importance int              `json:"importance"`
	Position   Point            `json:"position"`
}

// EdgeElement is an edge in the rendering engine's input format.
type EdgeElement struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Label  string  `json:"label,omitempty"`
	Type   string  `json:"type,omitempty"`
	Weight float64 `json:"weight"`
}

// Elements is one full projection of the graph.
type Elements struct {
	Nodes []NodeElement `json:"nodes"`
	Edges []EdgeElement `json:"edges"`
}

// Project converts nodes and edges into render elements with importance
// scores and radial positions. Edges whose endpoints are not both present
// are left out, as they can arrive ahead of their nodes.
func Project(nodes []*graph.Node, edges []*graph.Edge, center Point) Elements {
	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
	}

	degree := make(map[string]int, len(nodes))
	els := Elements{
		Nodes: make([]NodeElement, 0, len(nodes)),
		Edges: make([]EdgeElement, 0, len(edges)),
	}
	for _, e := range edges {
		if !present[e.SourceID] || !present[e.TargetID] {
			continue
		}
		degree[e.SourceID]++
		degree[e.TargetID]++
		els.Edges = append(els.Edges, EdgeElement{
			ID:     e.ID,
			Source: e.SourceID,
			Target: e.TargetID,
			Label:  e.Label,
			Type:   e.Type,
			Weight: e.Weight,
		})
	}

	pos := RadialLayout(nodes, center)
	for _, n := range nodes {
		els.Nodes = append(els.Nodes, NodeElement{
			ID:         n.ID,
			Label:      n.Label,
			Type:       n.Type,
			Status:     n.Status,
			Importance: Importance(degree[n.ID]),
			Position:   pos[n.ID],
		})
	}
	return els
}
