package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/icemail/karma/karma/engine"
	"github.com/icemail/karma/karma/repstore"
	"github.com/icemail/karma/karma/stream"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	logger *slog.Logger
	engine *engine.Engine
	events stream.Subscriber

	// sessions tracks live scoring state keyed by session ID. Eviction,
	// whether by capacity or idle TTL, finalizes the session.
	sessions *expirable.LRU[string, *engine.Session]
}

type Config struct {
	RedisURL         string
	ConfigPath       string
	SessionCacheSize int
	SessionIdleTTL   time.Duration
	Logger           *slog.Logger
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	cfg := engine.DefaultConfig()
	if config.ConfigPath != "" {
		loaded, err := engine.LoadConfigFile(config.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		logger.Info("loaded rule config", "path", config.ConfigPath)
	}

	var reputation repstore.ReputationStore
	var events stream.Subscriber
	if config.RedisURL != "" {
		store, err := repstore.NewRedisStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis reputation store: %w", err)
		}
		reputation = store

		str, err := stream.NewRedisStream(config.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing redis result stream: %w", err)
		}
		events = str
	} else {
		logger.Info("redis not configured, running in-memory")
		reputation = repstore.NewMemStore()
		events = stream.NewMemStream()
	}

	// the daemon consumes the wildcard stream itself, so the engine is
	// built without a per-session subscriber
	eng := &engine.Engine{
		Logger:     logger,
		Catalog:    engine.NewCatalog(cfg, logger),
		Reputation: reputation,
	}

	s := &Server{
		logger: logger,
		engine: eng,
		events: events,
	}

	size := config.SessionCacheSize
	if size <= 0 {
		size = 10_000
	}
	s.sessions = expirable.NewLRU(size, func(sid string, sess *engine.Session) {
		s.engine.Disconnect(context.Background(), sess)
		sessionsEvicted.Inc()
	}, config.SessionIdleTTL)

	return s, nil
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

// Run consumes the result stream until ctx is canceled, then finalizes all
// tracked sessions.
func (s *Server) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.RunConsumer(ctx) })
	eg.Go(func() error { return s.RunSessionGauge(ctx) })
	err := eg.Wait()

	// eviction callbacks finalize every remaining session
	s.sessions.Purge()

	if errors.Is(err, context.Canceled) {
		// clean shutdown
		return nil
	}
	return err
}

// this method runs in a loop, refreshing the tracked-session gauge every 5
// seconds so idle-TTL expiry shows up without stream traffic
func (s *Server) RunSessionGauge(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			trackedSessions.Set(float64(s.sessions.Len()))
		}
	}
}
