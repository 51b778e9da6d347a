package voice

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conversation is the remote end of a voice session.
type Conversation interface {
	Start(ctx context.Context) (string, error)
	End(ctx context.Context) error
}

// Session tracks one conversation from start to end.
type Session struct {
	conv   Conversation
	logger *zap.Logger

	mu     sync.Mutex
	id     string
	active bool
}

// NewSession wraps a conversation.
func NewSession(conv Conversation, logger *zap.Logger) *Session {
	return &Session{conv: conv, logger: logger}
}

// Start opens the conversation. Starting an active session is a no-op.
func (s *Session) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return s.id, nil
	}
	id, err := s.conv.Start(ctx)
	if err != nil {
		return "", err
	}
	s.id, s.active = id, true
	s.logger.Info("Voice session started", zap.String("conversation", id))
	return id, nil
}

// Active reports whether a conversation is open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// End closes the conversation if one is open. It is safe to call during
// teardown: errors from a connection that is already going away are
// swallowed, and any other error is only logged.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	id := s.id
	s.active = false
	s.mu.Unlock()

	err := s.conv.End(ctx)
	switch {
	case err == nil:
		s.logger.Info("Voice session ended", zap.String("conversation", id))
	case closing(err):
		s.logger.Debug("Voice session already closing", zap.String("conversation", id))
	default:
		s.logger.Warn("Voice session end failed", zap.String("conversation", id), zap.Error(err))
	}
}

func closing(err error) bool {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"already closing", "already closed", "closing or closed"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
