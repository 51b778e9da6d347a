// Package bus carries graph changes to consumers outside graphd over Redis
// Streams.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "coachgraph:changes:"

// MaxLen approximately caps each owner's stream.
const MaxLen = 1000

const (
	queueSize      = 1024
	publishTimeout = 2 * time.Second
)

// Bus publishes changes to per-owner streams and reads them back as a
// graph.Feed.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
	block  time.Duration
	queue  chan graph.Change
}

// New creates a Redis-backed change bus.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger, block: 2 * time.Second, queue: make(chan graph.Change, queueSize)}
}

// Enqueue hands a change to Run without blocking. It reports false when
// the queue is full and the change was dropped.
func (b *Bus) Enqueue(c graph.Change) bool {
	select {
	case b.queue <- c:
		return true
	default:
		b.logger.Warn("Bus queue full, change dropped",
			zap.String("owner", c.OwnerID), zap.String("id", c.RowID()))
		return false
	}
}

// Run publishes queued changes in order until ctx ends.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-b.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := b.Publish(pctx, c); err != nil {
				b.logger.Warn("Change bus publish failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stream returns the stream key for an owner.
func Stream(ownerID string) string { return streamPrefix + ownerID }

// Publish appends a change to its owner's stream.
func (b *Bus) Publish(ctx context.Context, c graph.Change) error {
	if c.OwnerID == "" {
		return fmt.Errorf("publish change: %w", graph.ErrUnauthenticated)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	stream := Stream(c.OwnerID)
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: MaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published change",
		zap.String("owner", c.OwnerID),
		zap.String("table", c.Table),
		zap.String("event", string(c.EventType)))
	return nil
}

// Subscribe implements graph.Feed. Reading starts at the stream's current
// end; earlier entries are never replayed. The channel is closed when ctx
// ends or Redis stops answering.
func (b *Bus) Subscribe(ctx context.Context, ownerID string) (<-chan graph.Change, error) {
	if ownerID == "" {
		return nil, graph.ErrUnauthenticated
	}
	stream := Stream(ownerID)

	// Pin "now" before returning so nothing published after Subscribe is missed.
	lastID := "0-0"
	tail, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("read tail of %s: %w", stream, err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	ch := make(chan graph.Change, 16)
	go func() {
		defer close(ch)

		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   b.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					b.logger.Warn("Change stream read failed", zap.String("stream", stream), zap.Error(err))
				}
				return
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					c, err := graph.DecodeChange([]byte(data))
					if err != nil {
						b.logger.Warn("Skipping malformed change", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					select {
					case ch <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
