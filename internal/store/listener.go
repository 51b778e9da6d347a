package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

// ChangeChannel is the NOTIFY channel the graph triggers publish on.
const ChangeChannel = "graph_changes"

const subscriberBuffer = 64

type subscriber struct {
	ch   chan graph.Change
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// notification is the trigger payload. It identifies the row only; the
// row itself is read back before the change is dispatched.
type notification struct {
	Table     string          `json:"table"`
	EventType graph.EventType `json:"eventType"`
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
}

func parseNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.Table != graph.TableNodes && n.Table != graph.TableEdges {
		return notification{}, fmt.Errorf("notification: unknown table %q", n.Table)
	}
	switch n.EventType {
	case graph.EventInsert, graph.EventUpdate, graph.EventDelete:
	default:
		return notification{}, fmt.Errorf("notification: unknown event type %q", n.EventType)
	}
	if n.ID == "" || n.Owner == "" {
		return notification{}, fmt.Errorf("notification: %s on %s without id or owner", n.EventType, n.Table)
	}
	return n, nil
}

type rowLoader interface {
	loadNode(ctx context.Context, id string) (*graph.Node, error)
	loadEdge(ctx context.Context, id string) (*graph.Edge, error)
}

// Listener turns Postgres notifications into per-owner change streams.
type Listener struct {
	store  *Store
	rows   rowLoader
	logger *zap.Logger

	mu    sync.Mutex
	subs  map[string]map[*subscriber]struct{}
	hooks []func(graph.Change)
}

// NewListener creates a Listener. Call Run to start receiving.
func NewListener(s *Store, logger *zap.Logger) *Listener {
	return &Listener{
		store:  s,
		rows:   s,
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// OnChange registers a hook invoked for every decoded change, regardless of
// owner. Hooks run on the listener goroutine, outside the subscriber lock,
// and must return quickly: hand slow work to a queue.
func (l *Listener) OnChange(fn func(graph.Change)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Run holds a dedicated connection and blocks until ctx is cancelled or the
// connection fails. All subscribers are closed when it returns.
func (l *Listener) Run(ctx context.Context) error {
	defer l.closeAll()

	conn, err := l.store.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	l.logger.Info("Listening for graph changes", zap.String("channel", ChangeChannel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		note, err := parseNotification(n.Payload)
		if err != nil {
			l.logger.Warn("Dropping malformed notification", zap.Error(err))
			continue
		}
		c, err := l.resolve(ctx, note)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Subscribers see their stream end and reload.
			return fmt.Errorf("read back %s %s: %w", note.Table, note.ID, err)
		}
		l.dispatch(c)
	}
}

// resolve turns a notification into a change carrying the current row. A
// row that is gone by the time it is read is reported as a delete.
func (l *Listener) resolve(ctx context.Context, n notification) (graph.Change, error) {
	c := graph.Change{Table: n.Table, EventType: n.EventType, OwnerID: n.Owner}
	idOnly, err := json.Marshal(map[string]string{"id": n.ID})
	if err != nil {
		return graph.Change{}, err
	}
	if n.EventType == graph.EventDelete {
		c.Old = idOnly
		return c, nil
	}

	var row any
	if n.Table == graph.TableEdges {
		row, err = l.rows.loadEdge(ctx, n.ID)
	} else {
		row, err = l.rows.loadNode(ctx, n.ID)
	}
	if errors.Is(err, graph.ErrNotFound) {
		c.EventType = graph.EventDelete
		c.Old = idOnly
		return c, nil
	}
	if err != nil {
		return graph.Change{}, err
	}
	if c.New, err = json.Marshal(row); err != nil {
		return graph.Change{}, fmt.Errorf("encode %s row: %w", n.Table, err)
	}
	return c, nil
}

func (l *Listener) dispatch(c graph.Change) {
	l.mu.Lock()
	hooks := slices.Clone(l.hooks)
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[c.OwnerID] {
		select {
		case sub.ch <- c:
		default:
			// A subscriber that cannot keep up loses its stream; its
			// consumer sees the close as an interrupted transport.
			l.logger.Warn("Dropping slow subscriber", zap.String("owner", c.OwnerID))
			delete(l.subs[c.OwnerID], sub)
			sub.close()
		}
	}
}

// Subscribe implements graph.Feed. The channel is closed when ctx ends or
// the listener stops.
func (l *Listener) Subscribe(ctx context.Context, ownerID string) (<-chan graph.Change, error) {
	if ownerID == "" {
		return nil, graph.ErrUnauthenticated
	}
	sub := &subscriber{ch: make(chan graph.Change, subscriberBuffer)}

	l.mu.Lock()
	if l.subs[ownerID] == nil {
		l.subs[ownerID] = make(map[*subscriber]struct{})
	}
	l.subs[ownerID][sub] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[ownerID], sub)
		if len(l.subs[ownerID]) == 0 {
			delete(l.subs, ownerID)
		}
		l.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Subscribers returns the number of open subscriptions for ownerID.
func (l *Listener) Subscribers(ownerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[ownerID])
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for owner, set := range l.subs {
		for sub := range set {
			sub.close()
		}
		delete(l.subs, owner)
	}
}
