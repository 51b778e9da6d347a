package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestStream(t *testing.T) {
	if got := Stream("user-1"); got != "coachgraph:changes:user-1" {
		t.Errorf("Stream = %q", got)
	}
}

func TestRequiresOwner(t *testing.T) {
	b := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), zap.NewNop())
	defer b.Close()

	if err := b.Publish(context.Background(), graph.Change{Table: graph.TableNodes}); !errors.Is(err, graph.ErrUnauthenticated) {
		t.Errorf("Publish without owner err = %v", err)
	}
	if _, err := b.Subscribe(context.Background(), ""); !errors.Is(err, graph.ErrUnauthenticated) {
		t.Errorf("Subscribe without owner err = %v", err)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	b := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), zap.NewNop())
	defer b.Close()

	c := graph.Change{Table: graph.TableNodes, EventType: graph.EventDelete, OwnerID: "u1",
		Old: []byte(`{"id":"n1"}`)}
	for i := 0; i < queueSize; i++ {
		if !b.Enqueue(c) {
			t.Fatalf("Enqueue %d dropped before the queue was full", i)
		}
	}
	if b.Enqueue(c) {
		t.Error("Enqueue on a full queue should drop")
	}
}
