package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	q.Notify(ctx, Notice{Level: LevelInfo, Message: "one"})
	q.Notify(ctx, Notice{Level: LevelInfo, Message: "two"})
	q.Notify(ctx, Notice{Level: LevelError, Message: "three"})

	got := q.Drain()
	if len(got) != 2 {
		t.Fatalf("got %d notices, want 2", len(got))
	}
	if got[0].Message != "two" || got[1].Message != "three" {
		t.Errorf("got %q, %q", got[0].Message, got[1].Message)
	}
	if got[0].At.IsZero() {
		t.Error("notice time should be stamped")
	}
	if q.Len() != 0 {
		t.Error("drain should empty the queue")
	}
}

type failing struct{}

func (failing) Notify(context.Context, Notice) error { return errors.New("down") }

func TestFanoutCollectsErrors(t *testing.T) {
	q := NewQueue(5)
	f := NewFanout(zap.NewNop(), nil, q, failing{})

	err := f.Notify(context.Background(), Notice{Level: LevelError, Message: "x"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if q.Len() != 1 {
		t.Error("healthy targets should still receive the notice")
	}
	if f.Notify(context.Background(), Notice{}) == nil {
		t.Error("expected error for missing level")
	}
}

func TestSlackNotifierPostsWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackNotifier(srv.URL, LevelError)
	ctx := context.Background()
	if err := s.Notify(ctx, Notice{Level: LevelInfo, Message: "skipped"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("info notice should not be posted")
	}
	if err := s.Notify(ctx, Notice{Level: LevelError, Title: "Mutation failed", Message: "create_node"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["text"] != "[error] Mutation failed\ncreate_node" {
		t.Errorf("got text %v", got["text"])
	}
}

func TestSlackMinLevelIsAFloor(t *testing.T) {
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		posted = append(posted, body["text"].(string))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlackNotifier(srv.URL, LevelWarn)
	ctx := context.Background()
	for _, l := range []Level{LevelInfo, LevelSuccess, LevelWarn, LevelError, Level("debug")} {
		if err := s.Notify(ctx, Notice{Level: l, Message: string(l)}); err != nil {
			t.Fatalf("%s: %v", l, err)
		}
	}
	if len(posted) != 2 || posted[0] != "[warn] warn" || posted[1] != "[error] error" {
		t.Errorf("posted = %q", posted)
	}
}

func TestLevelOrdering(t *testing.T) {
	tests := []struct {
		level, floor Level
		want         bool
	}{
		{LevelError, LevelWarn, true},
		{LevelError, LevelError, true},
		{LevelInfo, LevelWarn, false},
		{LevelSuccess, LevelInfo, true},
		{LevelInfo, "", true},
		{Level("debug"), LevelInfo, false},
	}
	for _, tt := range tests {
		if got := tt.level.AtLeast(tt.floor); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.level, tt.floor, got, tt.want)
		}
	}

	if l, err := ParseLevel(" Warn "); err != nil || l != LevelWarn {
		t.Errorf("ParseLevel = %q, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
