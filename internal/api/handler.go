package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/coach-graph/internal/auth"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/metrics"
	"github.com/nidhogg/coach-graph/internal/notify"
	"go.uber.org/zap"
)

// GraphStore is the persistence the handlers write through.
type GraphStore interface {
	graph.Source
	CreateNode(ctx context.Context, ownerID string, in graph.NodeInput) (*graph.Node, error)
	UpdateNode(ctx context.Context, ownerID string, patch graph.NodePatch) (*graph.Node, error)
	SoftDeleteNode(ctx context.Context, ownerID, id string) error
	CreateEdge(ctx context.Context, ownerID string, in graph.EdgeInput) (*graph.Edge, error)
	InvalidateEdge(ctx context.Context, ownerID, id string) error
}

// LiveServer attaches an upgraded connection to a user's change stream.
type LiveServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// Option configures a Handler.
type Option func(*Handler)

// WithSessionSource answers session-scoped snapshot queries from src
// instead of the store.
func WithSessionSource(src graph.Source) Option {
	return func(h *Handler) { h.sessionSource = src }
}

// WithLive enables the live-change websocket route.
func WithLive(l LiveServer) Option {
	return func(h *Handler) { h.live = l }
}

// WithNotifier receives voice-session failures.
func WithNotifier(n notify.Notifier) Option {
	return func(h *Handler) { h.notifier = n }
}

// WithMetrics records mutation metrics and serves /metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store         GraphStore
	verifier      auth.Verifier
	sessionSource graph.Source
	live          LiveServer
	notifier      notify.Notifier
	metrics       *metrics.Collector
	validate      *validator.Validate
	logger        *zap.Logger
	started       time.Time
}

// NewHandler creates a new API handler.
func NewHandler(store GraphStore, verifier auth.Verifier, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		verifier: verifier,
		validate: validator.New(),
		logger:   logger,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	requireAuth := auth.Middleware(h.verifier, h.logger)

	r.With(requireAuth).Post("/functions/v1/graph-mutate", h.mutate)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/graph", h.snapshot)
			if h.live != nil {
				r.Get("/graph/live", h.liveChanges)
			}
			r.Post("/voice/events", h.voiceEvent)
		})
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) liveChanges(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFrom(r.Context())
	h.live.ServeWS(w, r, sess.UserID)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
