package supa

import (
	"errors"
	"testing"

	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

func TestNewSourceRequiresSession(t *testing.T) {
	_, err := NewSource("http://localhost:54321", "anon", graph.Session{}, zap.NewNop())
	if !errors.Is(err, graph.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestFilterTypes(t *testing.T) {
	nodes := []*graph.Node{
		{ID: "g", Type: graph.NodeGoal},
		{ID: "s", Type: graph.NodeSkill},
		{ID: "e", Type: graph.NodeEmotion},
	}
	got := filterTypes(nodes, graph.NewTypeFilter(graph.NodeGoal, graph.NodeEmotion))
	if len(got) != 2 || got[0].ID != "g" || got[1].ID != "e" {
		t.Errorf("filtered = %v", ids(got))
	}
}

func TestEdgesWithin(t *testing.T) {
	nodes := []*graph.Node{{ID: "a"}, {ID: "b"}}
	edges := []*graph.Edge{
		{ID: "ab", SourceID: "a", TargetID: "b"},
		{ID: "ac", SourceID: "a", TargetID: "c"},
	}
	got := edgesWithin(edges, nodes)
	if len(got) != 1 || got[0].ID != "ab" {
		t.Errorf("edges = %+v", got)
	}
}

func ids(nodes []*graph.Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}
