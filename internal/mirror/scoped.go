package mirror

import (
	"context"

	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

type projection interface {
	graph.Source
	Stale(ownerID string) bool
	RequestRebuild(ownerID string, src graph.Source)
}

// ScopedSource answers session-scoped snapshots from the projection while
// it is current for the owner, and from the primary store otherwise. A
// stale owner is rebuilt from the primary in the background.
type ScopedSource struct {
	proj    projection
	primary graph.Source
	logger  *zap.Logger
}

// NewScopedSource routes session-scoped queries for m, falling back to primary.
func NewScopedSource(m *Mirror, primary graph.Source, logger *zap.Logger) *ScopedSource {
	return &ScopedSource{proj: m, primary: primary, logger: logger}
}

func (s *ScopedSource) LoadSnapshot(ctx context.Context, q graph.SnapshotQuery) (*graph.Snapshot, error) {
	if q.SessionID == "" || q.OwnerID == "" {
		return s.primary.LoadSnapshot(ctx, q)
	}
	if s.proj.Stale(q.OwnerID) {
		s.proj.RequestRebuild(q.OwnerID, s.primary)
		return s.primary.LoadSnapshot(ctx, q)
	}

	snap, err := s.proj.LoadSnapshot(ctx, q)
	if err != nil {
		s.logger.Warn("Projection snapshot failed, using primary", zap.String("owner", q.OwnerID), zap.Error(err))
		return s.primary.LoadSnapshot(ctx, q)
	}
	// The session node may not have reached the projection yet.
	if len(snap.Nodes) == 0 {
		return s.primary.LoadSnapshot(ctx, q)
	}
	return snap, nil
}
