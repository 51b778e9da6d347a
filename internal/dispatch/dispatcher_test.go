package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var session = graph.Session{UserID: "user-1", AccessToken: "secret-token"}

func newServer(t *testing.T, h func(w http.ResponseWriter, req graph.MutationRequest)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(graph.MutationResponse{Error: "missing bearer"})
			return
		}
		var req graph.MutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestCreateNode(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, req graph.MutationRequest) {
		assert.Equal(t, graph.OpCreateNode, req.Operation)
		var in graph.NodeInput
		require.NoError(t, json.Unmarshal(req.Data, &in))
		assert.Equal(t, "Run a 10k", in.Label)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "n-1", "label": in.Label, "type": in.Type, "user_id": "user-1"},
		})
	})
	d := New(srv.URL, session)

	n, err := d.CreateNode(context.Background(), graph.NodeInput{Label: "Run a 10k", Type: graph.NodeGoal})
	require.NoError(t, err)
	assert.Equal(t, "n-1", n.ID)
	assert.Equal(t, graph.NodeGoal, n.Type)
}

func TestUpdateNodeSendsOnlyChangedFields(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, req graph.MutationRequest) {
		assert.Equal(t, graph.OpUpdateNode, req.Operation)
		assert.JSONEq(t, `{"id":"n-1","label":"New"}`, string(req.Data))
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "n-1", "label": "New"}})
	})
	label := "New"
	_, err := New(srv.URL, session).UpdateNode(context.Background(), graph.NodePatch{ID: "n-1", Label: &label})
	require.NoError(t, err)
}

func TestCrossOwnerEdgeRejected(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, req graph.MutationRequest) {
		assert.Equal(t, graph.OpCreateEdge, req.Operation)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(graph.MutationResponse{Error: "target node not found for this user"})
	})
	toasts := notify.NewQueue(5)
	d := New(srv.URL, session, WithNotifier(toasts))

	e, err := d.CreateEdge(context.Background(), graph.EdgeInput{SourceID: "mine", TargetID: "theirs", Weight: 1})
	assert.Nil(t, e)
	assert.ErrorIs(t, err, graph.ErrValidationRejected)
	assert.Contains(t, err.Error(), "target node not found")

	got := toasts.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, notify.LevelError, got[0].Level)
	assert.Equal(t, "That change was not accepted.", got[0].Message)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, graph.ErrUnauthenticated},
		{http.StatusUnprocessableEntity, graph.ErrValidationRejected},
		{http.StatusNotFound, graph.ErrNotFound},
		{http.StatusTooManyRequests, graph.ErrFetchFailed},
		{http.StatusBadGateway, graph.ErrFetchFailed},
	}
	for _, tc := range cases {
		srv, _ := newServer(t, func(w http.ResponseWriter, _ graph.MutationRequest) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(graph.MutationResponse{Error: "nope"})
		})
		err := New(srv.URL, session).DeleteNode(context.Background(), "n-1")
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestUnauthenticatedSessionSendsNothing(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ graph.MutationRequest) {})
	err := New(srv.URL, graph.Session{}).DeleteEdge(context.Background(), "e-1")
	assert.ErrorIs(t, err, graph.ErrUnauthenticated)
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestNoAutomaticRetry(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ graph.MutationRequest) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := New(srv.URL, session).DeleteNode(context.Background(), "n-1")
	assert.ErrorIs(t, err, graph.ErrFetchFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestBreakerFailsFastWhenEndpointIsDown(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ graph.MutationRequest) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	d := New(srv.URL, session)
	for i := 0; i < 5; i++ {
		d.DeleteNode(context.Background(), "n-1")
	}
	err := d.DeleteNode(context.Background(), "n-1")
	assert.ErrorIs(t, err, graph.ErrFetchFailed)
	assert.Equal(t, int32(5), atomic.LoadInt32(calls))
}

func TestConcurrentDispatch(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, req graph.MutationRequest) {
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "x"}})
	})
	d := New(srv.URL, session)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.CreateNode(context.Background(), graph.NodeInput{Label: "n", Type: graph.NodeSkill})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(8), atomic.LoadInt32(calls))
}
