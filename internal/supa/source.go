// Package supa reads graph snapshots straight from a Supabase project
// through its REST interface, under the caller's row-level security.
package supa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// Source is a graph.Source backed by PostgREST.
type Source struct {
	client *supabase.Client
	logger *zap.Logger
}

// NewSource creates a source that queries as the session's user.
func NewSource(url, anonKey string, session graph.Session, logger *zap.Logger) (*Source, error) {
	if !session.Authenticated() || session.AccessToken == "" {
		return nil, graph.ErrUnauthenticated
	}
	client, err := supabase.NewClient(url, anonKey, &supabase.ClientOptions{
		Headers: map[string]string{"Authorization": "Bearer " + session.AccessToken},
	})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Source{client: client, logger: logger}, nil
}

// LoadSnapshot implements graph.Source. Session scope goes through the
// graph_session_nodes function; otherwise the tables are read directly.
func (s *Source) LoadSnapshot(_ context.Context, q graph.SnapshotQuery) (*graph.Snapshot, error) {
	if q.OwnerID == "" {
		return nil, graph.ErrUnauthenticated
	}
	var types []string
	for _, t := range q.Types {
		types = append(types, string(t))
	}

	var nodes []*graph.Node
	if q.SessionID != "" {
		raw := s.client.Rpc("graph_session_nodes", "", map[string]string{
			"p_owner":   q.OwnerID,
			"p_session": q.SessionID,
		})
		if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
			return nil, fmt.Errorf("session nodes rpc: %s", truncate(raw))
		}
		nodes = filterTypes(nodes, graph.NewTypeFilter(q.Types...))
	} else {
		b := s.client.From(graph.TableNodes).
			Select("*", "", false).
			Eq("user_id", q.OwnerID).
			Is("deleted_at", "null")
		if len(types) > 0 {
			b = b.In("type", types)
		}
		if _, err := b.Order("created_at", &postgrest.OrderOpts{Ascending: true}).ExecuteTo(&nodes); err != nil {
			return nil, fmt.Errorf("select %s: %w", graph.TableNodes, err)
		}
	}

	var edges []*graph.Edge
	_, err := s.client.From(graph.TableEdges).
		Select("*", "", false).
		Eq("user_id", q.OwnerID).
		Is("valid_to", "null").
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&edges)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", graph.TableEdges, err)
	}
	if q.SessionID != "" || len(types) > 0 {
		edges = edgesWithin(edges, nodes)
	}

	s.logger.Debug("Supabase snapshot",
		zap.String("owner", q.OwnerID),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)))
	return &graph.Snapshot{Nodes: nodes, Edges: edges}, nil
}

func filterTypes(nodes []*graph.Node, f graph.TypeFilter) []*graph.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if f.Allows(n.Type) {
			out = append(out, n)
		}
	}
	return out
}

func edgesWithin(edges []*graph.Edge, nodes []*graph.Node) []*graph.Edge {
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = struct{}{}
	}
	var out []*graph.Edge
	for _, e := range edges {
		_, src := ids[e.SourceID]
		_, dst := ids[e.TargetID]
		if src && dst {
			out = append(out, e)
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
