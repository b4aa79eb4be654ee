package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tduel/trade-engine/internal/config"
	"github.com/tduel/trade-engine/internal/feed"
	"github.com/tduel/trade-engine/internal/metrics"
	"github.com/tduel/trade-engine/internal/mirror"
	"github.com/tduel/trade-engine/internal/model"
	"github.com/tduel/trade-engine/internal/quote"
	"github.com/tduel/trade-engine/internal/store"
	"github.com/tduel/trade-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	source := quote.NewBinance(
		quote.WithRESTBase(cfg.Feed.RESTBase),
		quote.WithStreamBase(cfg.Feed.StreamBase),
	)
	priceFeed := feed.New(source, model.Instruments(), feed.WithBackoff(cfg.Backoff()))
	go priceFeed.Run(ctx)

	synchronizer := mirror.New(st)
	go synchronizer.Run(ctx)

	hub := trade.NewWSHub()
	go hub.Run()

	svc := trade.NewService(priceFeed, synchronizer, hub, decimal.NewFromFloat(cfg.Trading.StartingBalance))
	go svc.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", svc.Routes)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}
	slog.Info("server stopped")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildStore selects the storage backend: PostgreSQL when DATABASE_URL is
// set, optionally fronted by a Redis cache, otherwise the in-memory store.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Storage.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (sessions lost on restart)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to postgres")

	if cfg.Storage.RedisURL == "" {
		return pg, pool.Close, nil
	}

	redisOpts, err := redis.ParseURL(cfg.Storage.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, continuing without cache", "err", err)
		rdb.Close()
		return pg, pool.Close, nil
	}
	slog.Info("connected to redis cache")

	cleanup := func() {
		rdb.Close()
		pool.Close()
	}
	return store.NewCachedStore(pg, rdb, cfg.CacheTTL()), cleanup, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
