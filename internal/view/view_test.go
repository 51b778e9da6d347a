package view

import (
	"bytes"
	"image/png"
	"math"
	"testing"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

func TestImportance(t *testing.T) {
	cases := map[int]int{0: 40, 1: 48, 5: 80, 7: 96, 8: 100, 20: 100}
	for degree, want := range cases {
		if got := Importance(degree); got != want {
			t.Errorf("Importance(%d) = %d, want %d", degree, got, want)
		}
	}
}

func TestRadialLayoutRings(t *testing.T) {
	nodes := []*graph.Node{
		{ID: "g", Type: graph.NodeGoal},
		{ID: "s1", Type: graph.NodeSkill},
		{ID: "s2", Type: graph.NodeSkill},
		{ID: "a", Type: graph.NodeAccomplishment},
	}
	pos := RadialLayout(nodes, Point{})

	if pos["g"] != (Point{}) {
		t.Errorf("single goal at %v, want center", pos["g"])
	}
	for _, id := range []string{"s1", "s2"} {
		if r := math.Hypot(pos[id].X, pos[id].Y); math.Abs(r-180) > 1e-9 {
			t.Errorf("%s at radius %.2f, want 180", id, r)
		}
	}
	// Two skills sit on opposite sides of the ring.
	if d := math.Hypot(pos["s1"].X-pos["s2"].X, pos["s1"].Y-pos["s2"].Y); math.Abs(d-360) > 1e-9 {
		t.Errorf("skills %.2f apart, want 360", d)
	}
	if r := math.Hypot(pos["a"].X, pos["a"].Y); math.Abs(r-540) > 1e-9 {
		t.Errorf("accomplishment at radius %.2f, want 540", r)
	}
}

func TestRadialLayoutIsDeterministic(t *testing.T) {
	nodes := []*graph.Node{
		{ID: "g1", Type: graph.NodeGoal},
		{ID: "g2", Type: graph.NodeGoal},
		{ID: "e", Type: graph.NodeEmotion},
	}
	first := RadialLayout(nodes, Point{X: 10, Y: 10})
	second := RadialLayout(nodes, Point{X: 10, Y: 10})
	for id, p := range first {
		if second[id] != p {
			t.Errorf("%s moved between runs: %v vs %v", id, p, second[id])
		}
	}
	if r := math.Hypot(first["g1"].X-10, first["g1"].Y-10); math.Abs(r-goalRingRadius) > 1e-9 {
		t.Errorf("multiple goals should share the inner ring, got radius %.2f", r)
	}
}

func TestProjectDegreeAndDanglingEdges(t *testing.T) {
	nodes := []*graph.Node{
		{ID: "a", Label: "A", Type: graph.NodeGoal},
		{ID: "b", Label: "B", Type: graph.NodeSkill},
	}
	edges := []*graph.Edge{
		{ID: "ab", SourceID: "a", TargetID: "b"},
		{ID: "ax", SourceID: "a", TargetID: "missing"},
	}
	els := Project(nodes, edges, Point{})

	if len(els.Edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(els.Edges))
	}
	for _, n := range els.Nodes {
		if n.Importance != 48 {
			t.Errorf("%s importance %d, want 48", n.ID, n.Importance)
		}
	}
}

func newTestAdapter(h Handlers) (*Adapter, *Canvas) {
	c := NewCanvas(400, 300)
	return NewAdapter(c, h, zap.NewNop()), c
}

func TestAdapterRelay(t *testing.T) {
	var clicked, hovered string
	a, _ := newTestAdapter(Handlers{
		OnClick: func(id string, n *graph.Node) { clicked = id + ":" + n.Label },
		OnHover: func(id string, _ *graph.Node) { hovered = id },
	})
	if err := a.Update([]*graph.Node{{ID: "a", Label: "Run 5k", Type: graph.NodeGoal}}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	a.Relay(Click, "a")
	a.Relay(Hover, "a")
	a.Relay(RightClick, "a") // no handler registered
	a.Relay(Click, "ghost")

	if clicked != "a:Run 5k" {
		t.Errorf("clicked = %q", clicked)
	}
	if hovered != "a" {
		t.Errorf("hovered = %q", hovered)
	}
}

func TestAdapterZoomClamp(t *testing.T) {
	a, c := newTestAdapter(Handlers{})
	a.SetZoom(10)
	if c.Zoom() != MaxZoom {
		t.Errorf("zoom %.2f, want %.2f", c.Zoom(), MaxZoom)
	}
	a.SetZoom(0.01)
	if c.Zoom() != MinZoom {
		t.Errorf("zoom %.2f, want %.2f", c.Zoom(), MinZoom)
	}
	a.ZoomIn()
	if math.Abs(c.Zoom()-MinZoom*ZoomStep) > 1e-9 {
		t.Errorf("zoom in gave %.3f", c.Zoom())
	}
	a.SetZoom(MaxZoom)
	a.ZoomIn()
	if c.Zoom() != MaxZoom {
		t.Errorf("zoom in past max gave %.3f", c.Zoom())
	}

	a.SetZoom(math.NaN())
	if c.Zoom() != MinZoom {
		t.Errorf("NaN zoom gave %v", c.Zoom())
	}
	a.ZoomOut()
	if c.Zoom() != MinZoom {
		t.Errorf("zoom out after NaN gave %v", c.Zoom())
	}
	for _, in := range []float64{math.Inf(1), math.Inf(-1)} {
		if got := ClampZoom(in); got < MinZoom || got > MaxZoom {
			t.Errorf("ClampZoom(%v) = %v", in, got)
		}
	}
}

func TestAdapterSetLayout(t *testing.T) {
	a, c := newTestAdapter(Handlers{})
	nodes := []*graph.Node{{ID: "a", Type: graph.NodeGoal}, {ID: "b", Type: graph.NodeSkill}}
	if err := a.Update(nodes, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := a.SetLayout("fcose"); err == nil {
		t.Error("expected unsupported layout error")
	}
	if err := a.SetLayout(LayoutCircle); err != nil {
		t.Fatalf("set layout: %v", err)
	}
	p, ok := c.Position("a")
	if !ok || math.Abs(math.Hypot(p.X, p.Y)-300) > 1e-9 {
		t.Errorf("circle layout put a at %v", p)
	}
}

func TestAdapterSearchHighlights(t *testing.T) {
	a, c := newTestAdapter(Handlers{})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	a.Update([]*graph.Node{
		{ID: "a", Label: "Public Speaking", Type: graph.NodeSkill},
		{ID: "b", Label: "Run a marathon", Type: graph.NodeGoal},
	}, nil)

	ids := a.Search("speak")
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("search got %v", ids)
	}
	if !c.Highlighted("a") || c.Highlighted("b") {
		t.Error("only a should be highlighted")
	}
	now = now.Add(HighlightDuration)
	if c.Highlighted("a") {
		t.Error("highlight should expire")
	}
	if a.Search("   ") != nil {
		t.Error("blank search should match nothing")
	}
}

func TestCanvasExportPNG(t *testing.T) {
	a, _ := newTestAdapter(Handlers{})
	a.Update(
		[]*graph.Node{{ID: "a", Type: graph.NodeGoal}, {ID: "b", Type: graph.NodeSkill}},
		[]*graph.Edge{{ID: "ab", SourceID: "a", TargetID: "b"}},
	)
	a.Fit()

	var buf bytes.Buffer
	if err := a.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 400 || b.Dy() != 300 {
		t.Errorf("image is %dx%d", b.Dx(), b.Dy())
	}
}
