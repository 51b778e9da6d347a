// Package graphsync keeps a client-local copy of one user's node/edge graph
// current by combining a snapshot fetch with a stream of live-change events.
package graphsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/metrics"
	"go.uber.org/zap"
)

// Outcome reports what ApplyChange did with an event.
type Outcome string

const (
	Inserted Outcome = "inserted"
	Updated  Outcome = "updated"
	Removed  Outcome = "removed"
	Ignored  Outcome = "ignored"
)

// ChangeFunc observes every event after it has been applied.
type ChangeFunc func(c graph.Change, out Outcome)

// Synchronizer owns the local view state for one mounted view.
type Synchronizer struct {
	session  graph.Session
	source   graph.Source
	scope    string
	logger   *zap.Logger
	metrics  *metrics.Collector
	onChange ChangeFunc
	now      func() time.Time

	mu        sync.RWMutex
	nodes     map[string]*graph.Node
	nodeOrder []string
	edges     map[string]*graph.Edge
	edgeOrder []string
	filter    graph.TypeFilter
	selected  string
	lastEvent time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithFilter sets the initial type filter.
func WithFilter(types ...graph.NodeType) Option {
	return func(s *Synchronizer) { s.filter = graph.NewTypeFilter(types...) }
}

// WithSessionScope restricts snapshots to nodes transitively connected to a session node.
func WithSessionScope(sessionNodeID string) Option {
	return func(s *Synchronizer) { s.scope = sessionNodeID }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithOnChange registers a callback invoked after each applied event,
// outside the synchronizer's lock.
func WithOnChange(fn ChangeFunc) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

// New creates a synchronizer bound to one session and snapshot source.
func New(session graph.Session, source graph.Source, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		session: session,
		source:  source,
		logger:  zap.NewNop(),
		now:     time.Now,
		nodes:   make(map[string]*graph.Node),
		edges:   make(map[string]*graph.Edge),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadSnapshot replaces the local state with a fresh snapshot.
func (s *Synchronizer) LoadSnapshot(ctx context.Context) error {
	if !s.session.Authenticated() {
		s.countSnapshot("unauthenticated")
		return graph.ErrUnauthenticated
	}

	s.mu.RLock()
	filter := s.filter
	s.mu.RUnlock()

	snap, err := s.source.LoadSnapshot(ctx, graph.SnapshotQuery{
		OwnerID:   s.session.UserID,
		Types:     filter.Types(),
		SessionID: s.scope,
	})
	if err != nil {
		if errors.Is(err, graph.ErrUnauthenticated) {
			s.countSnapshot("unauthenticated")
			return err
		}
		s.countSnapshot("failed")
		return fmt.Errorf("%w: %w", graph.ErrFetchFailed, err)
	}

	s.mu.Lock()
	s.nodes = make(map[string]*graph.Node, len(snap.Nodes))
	s.nodeOrder = s.nodeOrder[:0]
	for _, n := range snap.Nodes {
		if n == nil || n.Deleted() || !s.filter.Allows(n.Type) {
			continue
		}
		if _, dup := s.nodes[n.ID]; dup {
			continue
		}
		s.nodes[n.ID] = n.Clone()
		s.nodeOrder = append(s.nodeOrder, n.ID)
	}
	s.edges = make(map[string]*graph.Edge, len(snap.Edges))
	s.edgeOrder = s.edgeOrder[:0]
	for _, e := range snap.Edges {
		if e == nil || e.Invalid() {
			continue
		}
		if _, dup := s.edges[e.ID]; dup {
			continue
		}
		s.edges[e.ID] = e.Clone()
		s.edgeOrder = append(s.edgeOrder, e.ID)
	}
	if s.selected == "" {
		for _, id := range s.nodeOrder {
			if s.nodes[id].Type == graph.NodeGoal {
				s.selected = id
				break
			}
		}
	}
	nodeCount, edgeCount := len(s.nodeOrder), len(s.edgeOrder)
	s.mu.Unlock()

	s.countSnapshot("ok")
	s.logger.Info("graph snapshot loaded",
		zap.String("user", s.session.UserID),
		zap.Int("nodes", nodeCount),
		zap.Int("edges", edgeCount))
	return nil
}

// ApplyChange applies one live-change event. Events are applied in call
// order; nothing is buffered or reordered.
func (s *Synchronizer) ApplyChange(c graph.Change) (Outcome, error) {
	if err := c.Validate(); err != nil {
		s.countChange(c.Entity(), Ignored)
		return Ignored, err
	}

	s.mu.Lock()
	s.lastEvent = s.now()
	var (
		out Outcome
		err error
	)
	switch c.Entity() {
	case graph.EntityEdge:
		out, err = s.applyEdge(c)
	default:
		out, err = s.applyNode(c)
	}
	s.mu.Unlock()

	s.countChange(c.Entity(), out)
	if err == nil && s.onChange != nil {
		s.onChange(c, out)
	}
	return out, err
}

func (s *Synchronizer) applyNode(c graph.Change) (Outcome, error) {
	switch c.EventType {
	case graph.EventInsert:
		var n graph.Node
		if err := json.Unmarshal(c.New, &n); err != nil {
			return Ignored, fmt.Errorf("decode node insert: %w", err)
		}
		if _, exists := s.nodes[n.ID]; exists {
			return Ignored, nil
		}
		if n.Deleted() || !s.filter.Allows(n.Type) {
			return Ignored, nil
		}
		s.nodes[n.ID] = &n
		s.nodeOrder = append(s.nodeOrder, n.ID)
		return Inserted, nil

	case graph.EventUpdate:
		id := c.RowID()
		existing, ok := s.nodes[id]
		if !ok {
			return Ignored, nil
		}
		merged := existing.Clone()
		if err := mergeFields(merged, &merged.Properties, c.New); err != nil {
			return Ignored, fmt.Errorf("merge node %s: %w", id, err)
		}
		merged.ID = id
		if merged.Deleted() || !s.filter.Allows(merged.Type) {
			s.removeNode(id)
			return Removed, nil
		}
		s.nodes[id] = merged
		return Updated, nil

	default:
		id := c.RowID()
		if _, ok := s.nodes[id]; !ok {
			return Ignored, nil
		}
		s.removeNode(id)
		return Removed, nil
	}
}

func (s *Synchronizer) applyEdge(c graph.Change) (Outcome, error) {
	switch c.EventType {
	case graph.EventInsert:
		var e graph.Edge
		if err := json.Unmarshal(c.New, &e); err != nil {
			return Ignored, fmt.Errorf("decode edge insert: %w", err)
		}
		if _, exists := s.edges[e.ID]; exists || e.Invalid() {
			return Ignored, nil
		}
		s.edges[e.ID] = &e
		s.edgeOrder = append(s.edgeOrder, e.ID)
		return Inserted, nil

	case graph.EventUpdate:
		id := c.RowID()
		existing, ok := s.edges[id]
		if !ok {
			return Ignored, nil
		}
		merged := existing.Clone()
		if err := mergeFields(merged, &merged.Properties, c.New); err != nil {
			return Ignored, fmt.Errorf("merge edge %s: %w", id, err)
		}
		merged.ID = id
		if merged.Invalid() {
			s.removeEdge(id)
			return Removed, nil
		}
		s.edges[id] = merged
		return Updated, nil

	default:
		id := c.RowID()
		if _, ok := s.edges[id]; !ok {
			return Ignored, nil
		}
		s.removeEdge(id)
		return Removed, nil
	}
}

// mergeFields overlays the columns present in raw onto dst. A present
// properties column replaces the bag rather than merging keys into it.
func mergeFields(dst any, props *map[string]any, raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	if _, ok := fields["properties"]; ok {
		*props = nil
	}
	return json.Unmarshal(raw, dst)
}

func (s *Synchronizer) removeNode(id string) {
	delete(s.nodes, id)
	s.nodeOrder = removeID(s.nodeOrder, id)
}

func (s *Synchronizer) removeEdge(id string) {
	delete(s.edges, id)
	s.edgeOrder = removeID(s.edgeOrder, id)
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// Run subscribes to feed and applies events in delivery order until ctx is
// done or the feed closes. Cancelling ctx is the normal teardown path and
// returns nil; a feed that closes on its own reports ErrTransportInterrupted.
// Events that occurred while disconnected are not backfilled.
func (s *Synchronizer) Run(ctx context.Context, feed graph.Feed) error {
	if !s.session.Authenticated() {
		return graph.ErrUnauthenticated
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := feed.Subscribe(ctx, s.session.UserID)
	if err != nil {
		return fmt.Errorf("%w: %w", graph.ErrTransportInterrupted, err)
	}
	s.logger.Info("live changes subscribed", zap.String("user", s.session.UserID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("live change feed closed", zap.String("user", s.session.UserID))
				return graph.ErrTransportInterrupted
			}
			if _, err := s.ApplyChange(c); err != nil {
				s.logger.Warn("skipping malformed change",
					zap.String("table", c.Table),
					zap.String("event", string(c.EventType)),
					zap.Error(err))
			}
		}
	}
}

// Nodes returns copies of the local nodes in snapshot-then-arrival order.
func (s *Synchronizer) Nodes() []*graph.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*graph.Node, 0, len(s.nodeOrder))
	for _, id := range s.nodeOrder {
		out = append(out, s.nodes[id].Clone())
	}
	return out
}

// Edges returns copies of the local edges in snapshot-then-arrival order.
func (s *Synchronizer) Edges() []*graph.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*graph.Edge, 0, len(s.edgeOrder))
	for _, id := range s.edgeOrder {
		out = append(out, s.edges[id].Clone())
	}
	return out
}

// Node looks up a local node by id.
func (s *Synchronizer) Node(id string) (*graph.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Selected resolves the current selection. The selection is a lookup key,
// so it reports false once the node has left the local collection.
func (s *Synchronizer) Selected() (*graph.Node, bool) {
	s.mu.RLock()
	id := s.selected
	s.mu.RUnlock()
	if id == "" {
		return nil, false
	}
	return s.Node(id)
}

// SelectedID returns the raw selection key, which may be stale.
func (s *Synchronizer) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Select changes the selection. An empty id clears it.
func (s *Synchronizer) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		if _, ok := s.nodes[id]; !ok {
			return fmt.Errorf("select %s: %w", id, graph.ErrNotFound)
		}
	}
	s.selected = id
	return nil
}

// SetFilter replaces the type filter. Present nodes of excluded types are
// dropped; they return on the next snapshot load if the filter is widened.
func (s *Synchronizer) SetFilter(types ...graph.NodeType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = graph.NewTypeFilter(types...)
	kept := s.nodeOrder[:0]
	for _, id := range s.nodeOrder {
		if s.filter.Allows(s.nodes[id].Type) {
			kept = append(kept, id)
			continue
		}
		delete(s.nodes, id)
	}
	s.nodeOrder = kept
}

// Filter returns the active filter's members.
func (s *Synchronizer) Filter() []graph.NodeType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter.Types()
}

// LastEventAt reports when the last live event was applied. A zero time
// means no event has arrived since the synchronizer was created.
func (s *Synchronizer) LastEventAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent
}

func (s *Synchronizer) countSnapshot(status string) {
	if s.metrics != nil {
		s.metrics.Snapshots.WithLabelValues(status).Inc()
	}
}

func (s *Synchronizer) countChange(e graph.Entity, out Outcome) {
	if s.metrics != nil {
		s.metrics.ChangesApplied.WithLabelValues(string(e), string(out)).Inc()
	}
}
