package graph

import (
	"errors"
	"fmt"
	"testing"
)

func TestDecodeChange(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		wantID  string
	}{
		{"insert", `{"table":"graph_nodes","eventType":"INSERT","new":{"id":"n1","type":"goal"}}`, false, "n1"},
		{"delete uses old", `{"table":"graph_edges","eventType":"DELETE","old":{"id":"e1"},"new":null}`, false, "e1"},
		{"delete falls back to new", `{"table":"graph_nodes","eventType":"DELETE","new":{"id":"n2"}}`, false, "n2"},
		{"unknown table", `{"table":"profiles","eventType":"INSERT","new":{"id":"p"}}`, true, ""},
		{"unknown event", `{"table":"graph_nodes","eventType":"TRUNCATE"}`, true, ""},
		{"insert without row", `{"table":"graph_nodes","eventType":"INSERT","new":null}`, true, ""},
		{"missing id", `{"table":"graph_nodes","eventType":"UPDATE","new":{"label":"x"}}`, true, ""},
		{"not json", `{`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeChange([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && c.RowID() != tt.wantID {
				t.Errorf("got id %q, want %q", c.RowID(), tt.wantID)
			}
		})
	}
}

func TestChangeEntity(t *testing.T) {
	if (Change{Table: TableEdges}).Entity() != EntityEdge {
		t.Error("graph_edges should map to edge")
	}
	if (Change{Table: TableNodes}).Entity() != EntityNode {
		t.Error("graph_nodes should map to node")
	}
}

func TestTypeFilter(t *testing.T) {
	var all TypeFilter
	if !all.Allows(NodeEmotion) {
		t.Error("empty filter should admit every type")
	}
	f := NewTypeFilter(NodeSkill, NodeGoal)
	if f.Allows(NodeEmotion) {
		t.Error("emotion should be excluded")
	}
	got := f.Types()
	if len(got) != 2 || got[0] != NodeGoal || got[1] != NodeSkill {
		t.Errorf("got %v, want ring order [goal skill]", got)
	}
}

func TestParseNodeType(t *testing.T) {
	if _, err := ParseNodeType("goal"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseNodeType("hobby"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestUserMessage(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", ErrUnauthenticated)
	if got := UserMessage(wrapped); got != "Please sign in again to see your graph." {
		t.Errorf("got %q", got)
	}
	if UserMessage(errors.New("boom")) == "" {
		t.Error("expected generic message")
	}
	if UserMessage(nil) != "" {
		t.Error("nil error should have no message")
	}
}
