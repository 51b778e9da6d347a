// Package dispatch sends user-initiated graph mutations to the remote
// mutation endpoint and reports their outcome as notifications.
//
// The dispatcher never touches local view state: a successful mutation
// becomes visible only when its echo arrives on the live-change channel.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/metrics"
	"github.com/nidhogg/coach-graph/internal/notify"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Dispatcher posts mutations. Calls may run concurrently; nothing is
// serialized, coalesced, or retried.
type Dispatcher struct {
	endpoint string
	session  graph.Session
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher for one session and endpoint.
func New(endpoint string, session graph.Session, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoint: endpoint,
		session:  session,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-mutate",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("mutation breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return d
}

// CreateNode asks the remote store to create a node.
func (d *Dispatcher) CreateNode(ctx context.Context, in graph.NodeInput) (*graph.Node, error) {
	var n graph.Node
	if err := d.dispatch(ctx, graph.OpCreateNode, in, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateNode asks the remote store to apply a partial update.
func (d *Dispatcher) UpdateNode(ctx context.Context, patch graph.NodePatch) (*graph.Node, error) {
	var n graph.Node
	if err := d.dispatch(ctx, graph.OpUpdateNode, patch, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// DeleteNode asks the remote store to soft-delete a node.
func (d *Dispatcher) DeleteNode(ctx context.Context, id string) error {
	return d.dispatch(ctx, graph.OpDeleteNode, graph.IDInput{ID: id}, nil)
}

// CreateEdge asks the remote store to link two nodes. The store rejects
// edges whose endpoints belong to another user.
func (d *Dispatcher) CreateEdge(ctx context.Context, in graph.EdgeInput) (*graph.Edge, error) {
	var e graph.Edge
	if err := d.dispatch(ctx, graph.OpCreateEdge, in, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEdge asks the remote store to close an edge's validity window.
func (d *Dispatcher) DeleteEdge(ctx context.Context, id string) error {
	return d.dispatch(ctx, graph.OpDeleteEdge, graph.IDInput{ID: id}, nil)
}

type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mutation endpoint returned %d: %s", e.status, e.msg)
}

func (d *Dispatcher) dispatch(ctx context.Context, op graph.Operation, data any, out any) error {
	start := time.Now()
	err := d.send(ctx, op, data, out)
	status := "ok"
	if err != nil {
		status = statusLabel(err)
	}
	if d.metrics != nil {
		d.metrics.Mutations.WithLabelValues(string(op), status).Inc()
		d.metrics.MutationTime.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.logger.Warn("mutation failed", zap.String("operation", string(op)), zap.Error(err))
		d.notify(ctx, notify.Notice{
			Level:   notify.LevelError,
			Title:   "Could not save your change",
			Message: graph.UserMessage(err),
			UserID:  d.session.UserID,
		})
		return err
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, op graph.Operation, data any, out any) error {
	if !d.session.Authenticated() || d.session.AccessToken == "" {
		return graph.ErrUnauthenticated
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	body, err := json.Marshal(graph.MutationRequest{Operation: op, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	// Only transport failures and 5xx count against the breaker.
	result, err := d.breaker.Execute(func() (interface{}, error) {
		resp, status, err := d.post(ctx, body)
		if err != nil {
			return nil, err
		}
		if status >= 500 {
			return nil, &statusError{status: status, msg: resp.Error}
		}
		return &postResult{resp: resp, status: status}, nil
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return fmt.Errorf("%w: %s: %w", graph.ErrFetchFailed, op, se)
		}
		return fmt.Errorf("%w: %s: %w", graph.ErrFetchFailed, op, err)
	}

	pr := result.(*postResult)
	if pr.status < 200 || pr.status >= 300 {
		se := &statusError{status: pr.status, msg: pr.resp.Error}
		switch pr.status {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s: %w", graph.ErrUnauthenticated, op, se)
		case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s: %w", graph.ErrValidationRejected, op, se)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s: %w", graph.ErrNotFound, op, se)
		default:
			return fmt.Errorf("%w: %s: %w", graph.ErrFetchFailed, op, se)
		}
	}
	if out != nil && len(pr.resp.Data) > 0 {
		if err := json.Unmarshal(pr.resp.Data, out); err != nil {
			return fmt.Errorf("%w: decode %s result: %w", graph.ErrFetchFailed, op, err)
		}
	}
	return nil
}

type postResult struct {
	resp   *graph.MutationResponse
	status int
}

func (d *Dispatcher) post(ctx context.Context, body []byte) (*graph.MutationResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.session.AccessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	var env graph.MutationResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			env.Error = string(raw)
		}
	}
	return &env, resp.StatusCode, nil
}

func (d *Dispatcher) notify(ctx context.Context, n notify.Notice) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.logger.Warn("failure notice not delivered", zap.Error(err))
	}
}

func statusLabel(err error) string {
	switch {
	case errors.Is(err, graph.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, graph.ErrValidationRejected):
		return "rejected"
	case errors.Is(err, graph.ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}
