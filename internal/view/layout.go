// Package view projects a synchronized graph into render elements and
// relays interaction events from the rendering engine.
package view

import (
	"math"

	"github.com/nidhogg/coach-graph/internal/graph"
)

// Importance sizes a node from its edge degree: min(40 + 8·degree, 100).
func Importance(degree int) int {
	return min(40+8*degree, 100)
}

// Point is a position in layout space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const (
	goalRingRadius    = 80.0
	unknownRingRadius = 660.0
)

var ringRadius = map[graph.NodeType]float64{
	graph.NodeSkill:          180,
	graph.NodeSession:        300,
	graph.NodeEmotion:        420,
	graph.NodeAccomplishment: 540,
}

// RadialLayout assigns deterministic positions by category: goals at the
// center, every other type spread evenly on its own ring. Nodes keep their
// relative order within a ring.
func RadialLayout(nodes []*graph.Node, center Point) map[string]Point {
	rings := make(map[graph.NodeType][]string)
	for _, n := range nodes {
		rings[n.Type] = append(rings[n.Type], n.ID)
	}

	pos := make(map[string]Point, len(nodes))
	for t, ids := range rings {
		radius, known := ringRadius[t]
		switch {
		case t == graph.NodeGoal && len(ids) == 1:
			pos[ids[0]] = center
			continue
		case t == graph.NodeGoal:
			radius = goalRingRadius
		case !known:
			radius = unknownRingRadius
		}
		spread(pos, ids, center, radius)
	}
	return pos
}

// CircleLayout places every node on a single ring.
func CircleLayout(nodes []*graph.Node, center Point, radius float64) map[string]Point {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	pos := make(map[string]Point, len(nodes))
	spread(pos, ids, center, radius)
	return pos
}

// GridLayout places nodes row by row in a square-ish grid.
func GridLayout(nodes []*graph.Node, center Point, spacing float64) map[string]Point {
	pos := make(map[string]Point, len(nodes))
	if len(nodes) == 0 {
		return pos
	}
	cols := int(math.Ceil(math.Sqrt(float64(len(nodes)))))
	rows := (len(nodes) + cols - 1) / cols
	originX := center.X - spacing*float64(cols-1)/2
	originY := center.Y - spacing*float64(rows-1)/2
	for i, n := range nodes {
		pos[n.ID] = Point{
			X: originX + spacing*float64(i%cols),
			Y: originY + spacing*float64(i/cols),
		}
	}
	return pos
}

func spread(pos map[string]Point, ids []string, center Point, radius float64) {
	step := 2 * math.Pi / float64(len(ids))
	for i, id := range ids {
		angle := step*float64(i) - math.Pi/2
		pos[id] = Point{
			X: center.X + radius*math.Cos(angle),
			Y: center.Y + radius*math.Sin(angle),
		}
	}
}
