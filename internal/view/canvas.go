package view

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sync"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
)

const (
	LayoutRadial = "radial"
	LayoutCircle = "circle"
	LayoutGrid   = "grid"
)

var typeColors = map[graph.NodeType]color.RGBA{
	graph.NodeGoal:           {0xE8, 0x5D, 0x3F, 0xFF},
	graph.NodeSkill:          {0x3F, 0x8E, 0xE8, 0xFF},
	graph.NodeSession:        {0x8E, 0x6C, 0xD8, 0xFF},
	graph.NodeEmotion:        {0xF2, 0xB1, 0x34, 0xFF},
	graph.NodeAccomplishment: {0x3F, 0xB8, 0x7A, 0xFF},
}

var (
	background   = color.RGBA{0xFA, 0xFA, 0xF7, 0xFF}
	edgeColor    = color.RGBA{0xB0, 0xB0, 0xB0, 0xFF}
	highlightRim = color.RGBA{0x11, 0x11, 0x11, 0xFF}
	otherColor   = color.RGBA{0x88, 0x88, 0x88, 0xFF}
)

// Canvas is an in-process Engine that rasterizes the projection to PNG.
type Canvas struct {
	width, height int
	now           func() time.Time

	mu        sync.Mutex
	els       Elements
	pos       map[string]Point
	layout    string
	zoom      float64
	pan       Point
	highlight map[string]time.Time
}

// NewCanvas creates a canvas of the given pixel size.
func NewCanvas(width, height int) *Canvas {
	return &Canvas{
		width:     width,
		height:    height,
		now:       time.Now,
		layout:    LayoutRadial,
		zoom:      1,
		pos:       make(map[string]Point),
		highlight: make(map[string]time.Time),
	}
}

func (c *Canvas) Render(els Elements) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.els = els
	c.applyLayout()
	return nil
}

func (c *Canvas) SetZoom(level float64) {
	c.mu.Lock()
	c.zoom = level
	c.mu.Unlock()
}

func (c *Canvas) Zoom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoom
}

// Fit zooms and pans so every node is visible with padding pixels to spare.
func (c *Canvas) Fit(padding float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pos) == 0 {
		c.zoom, c.pan = 1, Point{}
		return
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range c.pos {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	w := math.Max(maxX-minX, 1)
	h := math.Max(maxY-minY, 1)
	zx := (float64(c.width) - 2*padding) / w
	zy := (float64(c.height) - 2*padding) / h
	c.zoom = ClampZoom(math.Min(zx, zy))
	c.pan = Point{X: -(minX + maxX) / 2, Y: -(minY + maxY) / 2}
}

func (c *Canvas) Layouts() []string {
	return []string{LayoutRadial, LayoutCircle, LayoutGrid}
}

func (c *Canvas) RunLayout(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case LayoutRadial, LayoutCircle, LayoutGrid:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLayout, name)
	}
	c.layout = name
	c.applyLayout()
	return nil
}

func (c *Canvas) Highlight(ids []string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now().Add(d)
	for _, id := range ids {
		c.highlight[id] = until
	}
}

// Highlighted reports whether a node is currently highlighted.
func (c *Canvas) Highlighted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highlightedLocked(id)
}

func (c *Canvas) highlightedLocked(id string) bool {
	until, ok := c.highlight[id]
	if !ok {
		return false
	}
	if !c.now().Before(until) {
		delete(c.highlight, id)
		return false
	}
	return true
}

// Position returns a node's current layout position.
func (c *Canvas) Position(id string) (Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pos[id]
	return p, ok
}

// applyLayout recomputes positions; callers hold c.mu.
func (c *Canvas) applyLayout() {
	nodes := make([]*graph.Node, len(c.els.Nodes))
	for i, n := range c.els.Nodes {
		nodes[i] = &graph.Node{ID: n.ID, Type: n.Type}
	}
	switch c.layout {
	case LayoutCircle:
		c.pos = CircleLayout(nodes, Point{}, 300)
	case LayoutGrid:
		c.pos = GridLayout(nodes, Point{}, 120)
	default:
		c.pos = make(map[string]Point, len(c.els.Nodes))
		for _, n := range c.els.Nodes {
			c.pos[n.ID] = n.Position
		}
	}
}

// Export writes the current view as a PNG image.
func (c *Canvas) Export(w io.Writer) error {
	c.mu.Lock()
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	for _, e := range c.els.Edges {
		from, ok1 := c.pos[e.Source]
		to, ok2 := c.pos[e.Target]
		if !ok1 || !ok2 {
			continue
		}
		x0, y0 := c.toScreen(from)
		x1, y1 := c.toScreen(to)
		drawLine(img, x0, y0, x1, y1, edgeColor)
	}
	for _, n := range c.els.Nodes {
		x, y := c.toScreen(c.pos[n.ID])
		r := int(math.Max(2, float64(n.Importance)/4*c.zoom))
		fill, ok := typeColors[n.Type]
		if !ok {
			fill = otherColor
		}
		if c.highlightedLocked(n.ID) {
			fillCircle(img, x, y, r+3, highlightRim)
		}
		fillCircle(img, x, y, r, fill)
	}
	c.mu.Unlock()

	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func (c *Canvas) toScreen(p Point) (int, int) {
	x := (p.X+c.pan.X)*c.zoom + float64(c.width)/2
	y := (p.Y+c.pan.Y)*c.zoom + float64(c.height)/2
	return int(math.Round(x)), int(math.Round(y))
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(cx+dx, cy+dy, col)
			}
		}
	}
}

// drawLine rasterizes with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	errAcc := dx + dy
	for {
		img.SetRGBA(x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * errAcc
		if e2 >= dy {
			errAcc += dy
			x0 += sx
		}
		if e2 <= dx {
			errAcc += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
