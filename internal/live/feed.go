package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/coach-graph/internal/graph"
	"go.uber.org/zap"
)

// Feed is a graph.Feed backed by a websocket connection to the live
// endpoint. Each Subscribe dials a fresh connection.
type Feed struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer
	logger   *zap.Logger
	// idle bounds how long the connection may stay silent, pings included,
	// before it is treated as dead.
	idle time.Duration
}

// NewFeed creates a feed for the live endpoint. Both http(s) and ws(s)
// URLs are accepted.
func NewFeed(endpoint, token string, logger *zap.Logger) *Feed {
	return &Feed{
		endpoint: endpoint,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
		idle:     pongWait,
	}
}

// Subscribe implements graph.Feed. The server scopes the stream to the
// token's user; ownerID is only used for logging.
func (f *Feed) Subscribe(ctx context.Context, ownerID string) (<-chan graph.Change, error) {
	if f.token == "" {
		return nil, graph.ErrUnauthenticated
	}
	u, err := wsURL(f.endpoint)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token)

	conn, resp, err := f.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, graph.ErrUnauthenticated
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	logger := f.logger.With(zap.String("owner", ownerID))
	ch := make(chan graph.Change, 64)

	conn.SetReadDeadline(time.Now().Add(f.idle))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(f.idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Live connection lost", zap.Error(err))
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(f.idle))
			c, err := graph.DecodeChange(data)
			if err != nil {
				logger.Warn("Skipping malformed live message", zap.Error(err))
				continue
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func wsURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse live endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("parse live endpoint: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
