// Package notify delivers user-facing toasts and operator alerts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/coach-graph/internal/metrics"
	"go.uber.org/zap"
)

// Level grades a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

// Info and success share a rank; unknown levels rank below both.
var levelRank = map[Level]int{
	LevelInfo:    1,
	LevelSuccess: 1,
	LevelWarn:    2,
	LevelError:   3,
}

// ParseLevel validates a configured level name.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown notice level %q", s)
	}
	return l, nil
}

// AtLeast reports whether l is as severe as floor. Every level passes an
// empty floor.
func (l Level) AtLeast(floor Level) bool {
	if floor == "" {
		return true
	}
	return levelRank[l] >= levelRank[floor] && levelRank[l] > 0
}

// Notice is one toast or banner.
type Notice struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	UserID  string    `json:"user_id,omitempty"`
	At      time.Time `json:"at"`
	// Retry marks notices that come with a "try again" affordance.
	Retry bool `json:"retry,omitempty"`
}

// Notifier delivers notices somewhere a person will see them.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Queue is an in-process, bounded toast queue. When full, the oldest
// notice is dropped.
type Queue struct {
	mu      sync.Mutex
	notices []Notice
	limit   int
}

// NewQueue creates a queue holding at most limit notices.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 20
	}
	return &Queue{limit: limit}
}

func (q *Queue) Notify(_ context.Context, n Notice) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.notices) == q.limit {
		q.notices = q.notices[1:]
	}
	q.notices = append(q.notices, n)
	return nil
}

// Drain returns and clears the queued notices, oldest first.
func (q *Queue) Drain() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.notices
	q.notices = nil
	return out
}

// Len reports how many notices are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.notices)
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	fields := []zap.Field{
		zap.String("title", n.Title),
		zap.String("message", n.Message),
		zap.String("user", n.UserID),
	}
	if n.Level.AtLeast(LevelWarn) {
		l.logger.Warn("notice", fields...)
	} else {
		l.logger.Info("notice", fields...)
	}
	return nil
}

// Fanout delivers each notice to several notifiers and counts it.
type Fanout struct {
	targets []Notifier
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewFanout creates a fanout over the given targets. m may be nil.
func NewFanout(logger *zap.Logger, m *metrics.Collector, targets ...Notifier) *Fanout {
	return &Fanout{targets: targets, metrics: m, logger: logger}
}

// Add registers another target.
func (f *Fanout) Add(n Notifier) { f.targets = append(f.targets, n) }

func (f *Fanout) Notify(ctx context.Context, n Notice) error {
	if n.Level == "" {
		return fmt.Errorf("notice level is required")
	}
	if f.metrics != nil {
		f.metrics.Notifications.WithLabelValues(string(n.Level)).Inc()
	}
	var errs []error
	for _, t := range f.targets {
		if err := t.Notify(ctx, n); err != nil {
			f.logger.Error("notify failed", zap.String("target", fmt.Sprintf("%T", t)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
