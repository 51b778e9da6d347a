package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/coach-graph/internal/api"
	"github.com/nidhogg/coach-graph/internal/auth"
	"github.com/nidhogg/coach-graph/internal/bus"
	"github.com/nidhogg/coach-graph/internal/config"
	"github.com/nidhogg/coach-graph/internal/graph"
	"github.com/nidhogg/coach-graph/internal/live"
	"github.com/nidhogg/coach-graph/internal/metrics"
	"github.com/nidhogg/coach-graph/internal/mirror"
	"github.com/nidhogg/coach-graph/internal/notify"
	"github.com/nidhogg/coach-graph/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting graphd...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/graphd.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))
	if lvl, err := zapcore.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger = logger.WithOptions(zap.IncreaseLevel(lvl))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewCollector("coachgraph")

	// PostgreSQL is the source of truth and the origin of change events.
	pg, err := store.New(ctx, cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	if err := pg.Migrate(ctx, cfg.MigrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		logger.Fatal("auth setup failed", zap.Error(err))
	}

	notifier := newNotifier(cfg, m, logger)

	listener := store.NewListener(pg, logger)
	hub := live.NewHub(m, logger)
	listener.OnChange(hub.Broadcast)
	go hub.Run(ctx)

	// Redis carries changes to consumers outside graphd (graphctl watch
	// --redis). Only the instance with publish_changes set publishes.
	var changeBus *bus.Bus
	if cfg.Database.Redis.URL != "" && cfg.Database.Redis.PublishChanges {
		b, err := bus.New(ctx, cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without change bus", zap.Error(err))
		} else {
			changeBus = b
			listener.OnChange(func(c graph.Change) { b.Enqueue(c) })
			go b.Run(ctx)
		}
	}

	opts := []api.Option{
		api.WithLive(hub),
		api.WithNotifier(notifier),
		api.WithMetrics(m),
	}

	// Neo4j answers session-scoped snapshots.
	var proj *mirror.Mirror
	if cfg.Database.Neo4j.URI != "" {
		p, err := mirror.New(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err == nil {
			err = p.Ping(ctx)
		}
		if err == nil {
			err = p.EnsureSchema(ctx)
		}
		if err != nil {
			logger.Warn("Neo4j unavailable, session scope served by postgres", zap.Error(err))
		} else {
			proj = p
			// Changes made while graphd was down never reached the
			// projection; owners are rebuilt on first use.
			proj.MarkStale("")
			listener.OnChange(proj.Enqueue)
			go proj.Run(ctx)
			opts = append(opts, api.WithSessionSource(mirror.NewScopedSource(proj, pg, logger)))
		}
	}

	go runListener(ctx, listener, logger, func() {
		if proj != nil {
			proj.MarkStale("")
		}
	})

	handler := api.NewHandler(pg, verifier, logger, opts...)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("graphd listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down graphd...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	if proj != nil {
		proj.Close(shutdownCtx)
	}
	if changeBus != nil {
		changeBus.Close()
	}
	pg.Close()
	logger.Info("graphd stopped")
}

// runListener keeps the LISTEN connection alive. Subscribers of a failed
// connection see their stream end and must reload; onRestart runs before
// each reconnect since changes in the gap are lost.
func runListener(ctx context.Context, l *store.Listener, logger *zap.Logger, onRestart func()) {
	backoff := time.Second
	for {
		err := l.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Error("Change listener stopped, restarting", zap.Error(err), zap.Duration("backoff", backoff))
		onRestart()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	if cfg.Auth.JWTSecret != "" {
		return auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	}
	if cfg.Supabase.URL != "" {
		return auth.NewSupabaseVerifier(cfg.Supabase.URL, cfg.Supabase.Key)
	}
	return nil, fmt.Errorf("configure auth.jwt_secret or supabase.url")
}

func newNotifier(cfg *config.Config, m *metrics.Collector, logger *zap.Logger) notify.Notifier {
	targets := []notify.Notifier{notify.NewLogNotifier(logger)}

	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.WebhookURL != "" {
		level := notify.LevelError
		if cfg.Notify.Slack.MinLevel != "" {
			l, err := notify.ParseLevel(cfg.Notify.Slack.MinLevel)
			if err != nil {
				logger.Warn("Ignoring Slack min_level", zap.Error(err))
			} else {
				level = l
			}
		}
		targets = append(targets, notify.NewSlackNotifier(cfg.Notify.Slack.WebhookURL, level))
		logger.Info("Slack notifications enabled")
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		d, err := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, notify.LevelError)
		if err != nil {
			logger.Warn("Discord notifier unavailable", zap.Error(err))
		} else {
			targets = append(targets, d)
			logger.Info("Discord notifications enabled")
		}
	}
	return notify.NewFanout(logger, m, targets...)
}
