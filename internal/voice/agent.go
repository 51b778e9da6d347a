package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	closeWait        = 2 * time.Second
)

// AgentConn is a Conversation held over the voice agent's websocket. The
// agent announces the conversation id in its first frame; every frame,
// that one included, is passed to the frame handler in arrival order.
type AgentConn struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	onFrame func([]byte)
	logger  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// NewAgentConn prepares a conversation with the agent at url. header is
// sent on the handshake and may carry the agent's credentials.
func NewAgentConn(url string, header http.Header, onFrame func([]byte), logger *zap.Logger) *AgentConn {
	return &AgentConn{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		onFrame: onFrame,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start implements Conversation.
func (a *AgentConn) Start(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return "", errors.New("agent conversation already started")
	}

	conn, resp, err := a.dialer.DialContext(ctx, a.url, a.header)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("dial agent: status %d: %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("dial agent: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("read greeting: %w", err)
	}
	msg, err := Decode(raw)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("greeting: %w", err)
	}
	hello, ok := msg.(Connected)
	if !ok {
		conn.Close()
		return "", fmt.Errorf("greeting: expected %s, got %s", KindConnected, msg.Kind())
	}
	conn.SetReadDeadline(time.Time{})

	a.conn = conn
	a.onFrame(raw)
	go a.read(conn)
	return hello.ConversationID, nil
}

func (a *AgentConn) read(conn *websocket.Conn) {
	defer close(a.done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug("Agent connection ended", zap.Error(err))
			}
			return
		}
		a.onFrame(raw)
	}
}

// Done is closed once the agent connection stops delivering frames.
func (a *AgentConn) Done() <-chan struct{} {
	return a.done
}

// End implements Conversation. It sends a close frame and drops the
// connection without waiting for the agent's reply.
func (a *AgentConn) End(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()

	deadline := time.Now().Add(closeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
}
