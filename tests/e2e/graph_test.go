//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/coach-graph/internal/api"
	"github.com/nidhogg/coach-graph/internal/auth"
	"github.com/nidhogg/coach-graph/internal/bus"
	"github.com/nidhogg/coach-graph/internal/client"
	"github.com/nidhogg/coach-graph/internal/dispatch"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/graphsync"
	"github.com/nidhogg/coach-graph/internal/live"
	"github.com/nidhogg/coach-graph/internal/metrics"
	"github.com/nidhogg/coach-graph/internal/mirror"
	"github.com/nidhogg/coach-graph/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.New(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	// Migrations must be re-runnable: graphd applies them on every start.
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate again: %v\n", err)
		os.Exit(1)
	}

	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	testListener = store.NewListener(testStore, testLogger)
	go testListener.Run(listenCtx)

	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()
	testNeo4jURI = neo4jURI

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	// Give the listener time to issue LISTEN before tests write.
	time.Sleep(500 * time.Millisecond)

	code := m.Run()
	stopListen()
	os.Exit(code)
}

func TestStoreMutations(t *testing.T) {
	ctx := context.Background()
	owner, other := newOwner(), newOwner()

	goal := mustNode(t, owner, "Run a 10k", graph.NodeGoal)
	skill := mustNode(t, owner, "Pacing", graph.NodeSkill)
	foreign := mustNode(t, other, "Someone else's goal", graph.NodeGoal)

	if goal.Status != graph.StatusCurated || goal.OwnerID != owner {
		t.Errorf("created node = %+v", goal)
	}

	t.Run("CrossOwnerEdgeRejected", func(t *testing.T) {
		_, err := testStore.CreateEdge(ctx, owner, graph.EdgeInput{SourceID: goal.ID, TargetID: foreign.ID})
		if !errors.Is(err, graph.ErrValidationRejected) {
			t.Fatalf("err = %v, want ErrValidationRejected", err)
		}
		_, err = testStore.CreateEdge(ctx, owner, graph.EdgeInput{SourceID: goal.ID, TargetID: "not-a-uuid"})
		if !errors.Is(err, graph.ErrValidationRejected) {
			t.Fatalf("malformed endpoint err = %v", err)
		}
	})

	t.Run("PartialUpdate", func(t *testing.T) {
		label := "Run a half marathon"
		n, err := testStore.UpdateNode(ctx, owner, graph.NodePatch{ID: goal.ID, Label: &label})
		if err != nil {
			t.Fatalf("UpdateNode: %v", err)
		}
		if n.Label != label || n.Type != graph.NodeGoal {
			t.Errorf("updated = %+v", n)
		}
		if _, err := testStore.UpdateNode(ctx, other, graph.NodePatch{ID: goal.ID, Label: &label}); !errors.Is(err, graph.ErrNotFound) {
			t.Errorf("update by non-owner err = %v", err)
		}
	})

	t.Run("SoftDeleteClosesEdges", func(t *testing.T) {
		mustEdge(t, owner, goal, skill)
		if err := testStore.SoftDeleteNode(ctx, owner, skill.ID); err != nil {
			t.Fatalf("SoftDeleteNode: %v", err)
		}
		snap, err := testStore.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner})
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if ids(snap.Nodes)[skill.ID] {
			t.Error("soft-deleted node still in snapshot")
		}
		if len(snap.Edges) != 0 {
			t.Errorf("edges touching deleted node still valid: %d", len(snap.Edges))
		}
		if err := testStore.SoftDeleteNode(ctx, owner, skill.ID); !errors.Is(err, graph.ErrNotFound) {
			t.Errorf("second delete err = %v", err)
		}
	})
}

func TestSnapshotScopes(t *testing.T) {
	ctx := context.Background()
	owner := newOwner()

	session := mustNode(t, owner, "Kickoff call", graph.NodeSession)
	goal := mustNode(t, owner, "Run a 10k", graph.NodeGoal)
	emotion := mustNode(t, owner, "Race nerves", graph.NodeEmotion)
	island := mustNode(t, owner, "Learn guitar", graph.NodeGoal)
	mustEdge(t, owner, session, goal)
	mustEdge(t, owner, emotion, goal)

	snap, err := testStore.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner, Types: []graph.NodeType{graph.NodeGoal}})
	if err != nil {
		t.Fatalf("typed snapshot: %v", err)
	}
	if got := ids(snap.Nodes); len(got) != 2 || !got[goal.ID] || !got[island.ID] {
		t.Errorf("typed nodes = %v", got)
	}
	if len(snap.Edges) != 0 {
		t.Errorf("typed snapshot leaked edges to filtered nodes: %d", len(snap.Edges))
	}

	snap, err = testStore.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner, SessionID: session.ID})
	if err != nil {
		t.Fatalf("session snapshot: %v", err)
	}
	got := ids(snap.Nodes)
	if len(got) != 3 || got[island.ID] {
		t.Errorf("session-scoped nodes = %v", got)
	}
	if len(snap.Edges) != 2 {
		t.Errorf("session-scoped edges = %d, want 2", len(snap.Edges))
	}
	if snap.Nodes[0].ID != session.ID {
		t.Errorf("nodes not in creation order: first = %s", snap.Nodes[0].Label)
	}
}

func TestListenerFeedsSynchronizer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	owner := newOwner()
	seed := mustNode(t, owner, "Seed goal", graph.NodeGoal)

	s := graphsync.New(graph.Session{UserID: owner, AccessToken: "unused"}, testStore)
	if err := s.LoadSnapshot(ctx); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.SelectedID() != seed.ID {
		t.Errorf("default selection = %q, want seed goal", s.SelectedID())
	}

	applied := make(chan graph.Change, 16)
	s2 := graphsync.New(graph.Session{UserID: owner, AccessToken: "unused"}, testStore,
		graphsync.WithOnChange(func(c graph.Change, _ graphsync.Outcome) { applied <- c }))
	if err := s2.LoadSnapshot(ctx); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	go s2.Run(ctx, testListener)
	time.Sleep(100 * time.Millisecond)

	skill := mustNode(t, owner, "Pacing", graph.NodeSkill)
	if c := nextChange(t, applied); c.EventType != graph.EventInsert || c.RowID() != skill.ID {
		t.Fatalf("first change = %s %s", c.EventType, c.RowID())
	}
	if _, ok := s2.Node(skill.ID); !ok {
		t.Fatal("inserted node not applied")
	}

	desc := "Negative splits"
	if _, err := testStore.UpdateNode(ctx, owner, graph.NodePatch{ID: skill.ID, Description: &desc}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	nextChange(t, applied)
	if n, _ := s2.Node(skill.ID); n.Description != desc || n.Label != "Pacing" {
		t.Errorf("merged node = %+v", n)
	}

	if err := testStore.SoftDeleteNode(ctx, owner, skill.ID); err != nil {
		t.Fatalf("SoftDeleteNode: %v", err)
	}
	nextChange(t, applied)
	if _, ok := s2.Node(skill.ID); ok {
		t.Error("soft-deleted node still present")
	}

	// Another owner's writes never reach this stream.
	mustNode(t, newOwner(), "Not mine", graph.NodeGoal)
	select {
	case c := <-applied:
		t.Errorf("received foreign change %s", c.RowID())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLargeRowStillEchoes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	owner := newOwner()

	ch, err := testListener.Subscribe(ctx, owner)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// 4000 three-byte runes pass validation but exceed a NOTIFY payload.
	desc := strings.Repeat("目", 4000)
	n, err := testStore.CreateNode(ctx, owner, graph.NodeInput{
		Label:       "Journal",
		Type:        graph.NodeSession,
		Description: desc,
		Properties:  map[string]any{"notes": strings.Repeat("x", 9000)},
	})
	if err != nil {
		t.Fatalf("CreateNode with large row: %v", err)
	}

	c := nextChange(t, ch)
	if c.EventType != graph.EventInsert || c.RowID() != n.ID {
		t.Fatalf("echo = %s %s, want INSERT %s", c.EventType, c.RowID(), n.ID)
	}
	var echoed graph.Node
	if err := json.Unmarshal(c.New, &echoed); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echoed.Description != desc {
		t.Errorf("echoed description has %d runes, want 4000", len([]rune(echoed.Description)))
	}
}

func TestChangeBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bus.New(ctx, testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	defer b.Close()

	owner := newOwner()
	before := graph.Change{Table: graph.TableNodes, EventType: graph.EventDelete, Old: []byte(`{"id":"old"}`), OwnerID: owner}
	if err := b.Publish(ctx, before); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ch, err := b.Subscribe(ctx, owner)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	after := graph.Change{Table: graph.TableNodes, EventType: graph.EventInsert,
		New: []byte(`{"id":"n1","label":"Run","type":"goal"}`), OwnerID: owner}
	if err := b.Publish(ctx, after); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if c := nextChange(t, ch); c.RowID() != "n1" {
		t.Errorf("first delivered change = %s, want n1 (no backfill)", c.RowID())
	}
	cancel()
	for range ch {
	}
}

func TestMirrorProjection(t *testing.T) {
	ctx := context.Background()
	m, err := mirror.New(testNeo4jURI, "", "", testLogger)
	if err != nil {
		t.Fatalf("mirror.New: %v", err)
	}
	defer m.Close(ctx)
	if err := m.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	owner := newOwner()
	session := mustNode(t, owner, "Kickoff call", graph.NodeSession)
	goal := mustNode(t, owner, "Run a 10k", graph.NodeGoal)
	skill := mustNode(t, owner, "Pacing", graph.NodeSkill)
	island := mustNode(t, owner, "Learn guitar", graph.NodeGoal)
	mustEdge(t, owner, session, goal)
	mustEdge(t, owner, goal, skill)

	snap, err := testStore.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if err := m.Rebuild(ctx, owner, snap); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	scoped, err := m.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner, SessionID: session.ID})
	if err != nil {
		t.Fatalf("mirror LoadSnapshot: %v", err)
	}
	want, _ := testStore.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner, SessionID: session.ID})
	if got := ids(scoped.Nodes); len(got) != len(want.Nodes) || got[island.ID] {
		t.Errorf("mirror scope = %v, postgres scope = %v", got, ids(want.Nodes))
	}
	if len(scoped.Edges) != 2 {
		t.Errorf("mirror edges = %d, want 2", len(scoped.Edges))
	}

	// Depth is unbounded on both sides: a seven-hop chain is fully in scope.
	chainOwner := newOwner()
	head := mustNode(t, chainOwner, "Weekly check-in", graph.NodeSession)
	prev := head
	for i := 1; i <= 7; i++ {
		next := mustNode(t, chainOwner, fmt.Sprintf("Step %d", i), graph.NodeSkill)
		mustEdge(t, chainOwner, prev, next)
		prev = next
	}
	full, err := testStore.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: chainOwner})
	if err != nil {
		t.Fatalf("LoadSnapshot chain: %v", err)
	}
	if err := m.Rebuild(ctx, chainOwner, full); err != nil {
		t.Fatalf("Rebuild chain: %v", err)
	}
	chainQuery := graph.SnapshotQuery{OwnerID: chainOwner, SessionID: head.ID}
	pgChain, err := testStore.LoadSnapshot(ctx, chainQuery)
	if err != nil {
		t.Fatalf("postgres chain scope: %v", err)
	}
	neoChain, err := m.LoadSnapshot(ctx, chainQuery)
	if err != nil {
		t.Fatalf("mirror chain scope: %v", err)
	}
	if len(pgChain.Nodes) != 8 || len(neoChain.Nodes) != 8 {
		t.Errorf("chain scope: postgres %d nodes, mirror %d nodes, want 8", len(pgChain.Nodes), len(neoChain.Nodes))
	}

	// A stale owner is answered by postgres and rebuilt in the background.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go m.Run(runCtx)
	m.MarkStale(chainOwner)
	scopedSrc := mirror.NewScopedSource(m, testStore, testLogger)
	if snap, err := scopedSrc.LoadSnapshot(ctx, chainQuery); err != nil || len(snap.Nodes) != 8 {
		t.Fatalf("scoped source while stale: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for m.Stale(chainOwner) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if m.Stale(chainOwner) {
		t.Error("owner still stale after background rebuild")
	}

	// Soft delete arrives as an UPDATE and removes the projected node.
	if err := m.Apply(ctx, graph.Change{
		Table: graph.TableNodes, EventType: graph.EventUpdate, OwnerID: owner,
		New: []byte(fmt.Sprintf(`{"id":%q,"deleted_at":"2026-01-01T00:00:00Z"}`, skill.ID)),
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	scoped, _ = m.LoadSnapshot(ctx, graph.SnapshotQuery{OwnerID: owner, SessionID: session.ID})
	if ids(scoped.Nodes)[skill.ID] {
		t.Error("soft-deleted node still projected")
	}
}

// TestFullStack runs the service handler against real Postgres and drives
// it with the client-side pieces: dispatcher for writes, synchronizer with
// the websocket feed for reads.
func TestFullStack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const secret = "e2e-secret-e2e-secret-e2e-secret"
	verifier, err := auth.NewJWTVerifier(secret, "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	owner := newOwner()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	m := metrics.NewCollector("e2e")
	hub := live.NewHub(m, testLogger)
	go hub.Run(ctx)
	listener := store.NewListener(testStore, testLogger)
	listener.OnChange(hub.Broadcast)
	go listener.Run(ctx)

	h := api.NewHandler(testStore, verifier, testLogger, api.WithLive(hub), api.WithMetrics(m))
	ts := httptest.NewServer(h.Router())
	defer ts.Close()
	time.Sleep(300 * time.Millisecond)

	sess := graph.Session{UserID: owner, AccessToken: token}
	d := dispatch.New(ts.URL+"/functions/v1/graph-mutate", sess, dispatch.WithLogger(testLogger))
	goal, err := d.CreateNode(ctx, graph.NodeInput{Label: "Run a 10k", Type: graph.NodeGoal})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	applied := make(chan graph.Change, 16)
	s := graphsync.New(sess, client.NewSource(ts.URL, token),
		graphsync.WithOnChange(func(c graph.Change, _ graphsync.Outcome) { applied <- c }))
	if err := s.LoadSnapshot(ctx); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if s.SelectedID() != goal.ID {
		t.Errorf("selected = %q, want goal", s.SelectedID())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, live.NewFeed(ts.URL+"/api/graph/live", token, testLogger)) }()
	deadline := time.Now().Add(5 * time.Second)
	for hub.ConnectionCount(owner) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	// No optimistic update: the node appears only when its insert echoes back.
	skill, err := d.CreateNode(ctx, graph.NodeInput{Label: "Pacing", Type: graph.NodeSkill})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if c := nextChange(t, applied); c.RowID() != skill.ID {
		t.Fatalf("echo = %s, want %s", c.RowID(), skill.ID)
	}
	if _, err := d.CreateEdge(ctx, graph.EdgeInput{SourceID: goal.ID, TargetID: skill.ID, Weight: 1}); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}
	nextChange(t, applied)
	if len(s.Nodes()) != 2 || len(s.Edges()) != 1 {
		t.Errorf("synchronizer has %d nodes, %d edges", len(s.Nodes()), len(s.Edges()))
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run after cancel = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Run did not return after cancel")
	}
}
