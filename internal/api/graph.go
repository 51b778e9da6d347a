package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nidhogg/coach-graph/internal/auth"
	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

// snapshot serves GET /api/graph?types=goal,skill&session=<id>.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())

	q := graph.SnapshotQuery{OwnerID: sess.UserID, SessionID: r.URL.Query().Get("session")}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			t, err := graph.ParseNodeType(strings.TrimSpace(name))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			q.Types = append(q.Types, t)
		}
	}

	src := graph.Source(h.store)
	if q.SessionID != "" && h.sessionSource != nil {
		src = h.sessionSource
	}

	snap, err := src.LoadSnapshot(r.Context(), q)
	if err != nil {
		status := statusFor(err)
		if h.metrics != nil {
			h.metrics.Snapshots.WithLabelValues("error").Inc()
		}
		if status >= 500 {
			h.logger.Error("Snapshot failed", zap.String("owner", q.OwnerID), zap.Error(err))
			writeError(w, status, "internal error")
			return
		}
		if errors.Is(err, graph.ErrNotFound) {
			writeError(w, status, "session not found")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.Snapshots.WithLabelValues("ok").Inc()
	}
	if snap.Nodes == nil {
		snap.Nodes = []*graph.Node{}
	}
	if snap.Edges == nil {
		snap.Edges = []*graph.Edge{}
	}
	writeJSON(w, http.StatusOK, snap)
}
