package view

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

const (
	MinZoom  = 0.1
	MaxZoom  = 3.0
	ZoomStep = 1.2

	// HighlightDuration is how long search matches stay highlighted.
	HighlightDuration = 2 * time.Second
	fitPadding        = 40.0
)

var ErrUnsupportedLayout = errors.New("unsupported layout")

// Engine is the rendering engine the adapter drives.
type Engine interface {
	Render(els Elements) error
	SetZoom(level float64)
	Zoom() float64
	Fit(padding float64)
	Layouts() []string
	RunLayout(name string) error
	Highlight(ids []string, d time.Duration)
	Export(w io.Writer) error
}

// Interaction is a user gesture relayed from the engine.
type Interaction string

const (
	Click      Interaction = "click"
	RightClick Interaction = "right_click"
	Hover      Interaction = "hover"
)

// NodeHandler receives a relayed interaction with the full node data.
type NodeHandler func(nodeID string, n *graph.Node)

// Handlers are the upward callbacks. Nil handlers are skipped.
type Handlers struct {
	OnClick      NodeHandler
	OnRightClick NodeHandler
	OnHover      NodeHandler
}

// Adapter projects synchronizer collections into the engine and relays
// interactions back. It does not interpret the interactions it forwards.
type Adapter struct {
	engine   Engine
	handlers Handlers
	center   Point
	logger   *zap.Logger

	mu    sync.RWMutex
	els   Elements
	nodes map[string]*graph.Node
}

// NewAdapter creates an adapter bound to a rendering engine.
func NewAdapter(engine Engine, handlers Handlers, logger *zap.Logger) *Adapter {
	return &Adapter{
		engine:   engine,
		handlers: handlers,
		logger:   logger,
		nodes:    make(map[string]*graph.Node),
	}
}

// Update reprojects the graph and hands it to the engine.
func (a *Adapter) Update(nodes []*graph.Node, edges []*graph.Edge) error {
	els := Project(nodes, edges, a.center)
	index := make(map[string]*graph.Node, len(nodes))
	for _, n := range nodes {
		index[n.ID] = n
	}

	a.mu.Lock()
	a.els = els
	a.nodes = index
	a.mu.Unlock()

	if err := a.engine.Render(els); err != nil {
		return fmt.Errorf("render graph: %w", err)
	}
	return nil
}

// Elements returns the last projection.
func (a *Adapter) Elements() Elements {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.els
}

// Relay forwards an engine interaction to the matching handler. Events for
// nodes that are no longer projected are dropped.
func (a *Adapter) Relay(kind Interaction, nodeID string) {
	a.mu.RLock()
	n, ok := a.nodes[nodeID]
	a.mu.RUnlock()
	if !ok {
		a.logger.Debug("interaction on unknown node", zap.String("kind", string(kind)), zap.String("node", nodeID))
		return
	}

	var h NodeHandler
	switch kind {
	case Click:
		h = a.handlers.OnClick
	case RightClick:
		h = a.handlers.OnRightClick
	case Hover:
		h = a.handlers.OnHover
	}
	if h != nil {
		h(nodeID, n)
	}
}

// ClampZoom bounds a zoom level to [MinZoom, MaxZoom]. NaN maps to MinZoom.
func ClampZoom(level float64) float64 {
	if math.IsNaN(level) {
		return MinZoom
	}
	return max(MinZoom, min(level, MaxZoom))
}

func (a *Adapter) SetZoom(level float64) { a.engine.SetZoom(ClampZoom(level)) }

func (a *Adapter) ZoomIn() { a.SetZoom(a.engine.Zoom() * ZoomStep) }

func (a *Adapter) ZoomOut() { a.SetZoom(a.engine.Zoom() / ZoomStep) }

func (a *Adapter) Fit() { a.engine.Fit(fitPadding) }

// SetLayout switches the engine's layout algorithm.
func (a *Adapter) SetLayout(name string) error {
	if !slices.Contains(a.engine.Layouts(), name) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLayout, name)
	}
	return a.engine.RunLayout(name)
}

// Search highlights nodes whose label contains q, ignoring case, and
// returns their ids. An empty query matches nothing.
func (a *Adapter) Search(q string) []string {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil
	}

	a.mu.RLock()
	var ids []string
	for _, n := range a.els.Nodes {
		if strings.Contains(strings.ToLower(n.Label), q) {
			ids = append(ids, n.ID)
		}
	}
	a.mu.RUnlock()

	if len(ids) > 0 {
		a.engine.Highlight(ids, HighlightDuration)
	}
	return ids
}

// Export writes the current view as an image.
func (a *Adapter) Export(w io.Writer) error {
	if err := a.engine.Export(w); err != nil {
		return fmt.Errorf("export view: %w", err)
	}
	return nil
}
