package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wagerx/risk-engine/internal/feed"
	"github.com/wagerx/risk-engine/internal/hierarchy"
	"github.com/wagerx/risk-engine/internal/limits"
	"github.com/wagerx/risk-engine/internal/metrics"
	"github.com/wagerx/risk-engine/internal/placement"
	"github.com/wagerx/risk-engine/internal/settlement"
	"github.com/wagerx/risk-engine/internal/store"
	"github.com/wagerx/risk-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Exposure limits ---
	limiter := limits.NewExposureLimiter(
		envDecimal("MAX_SCOPE_EXPOSURE", decimal.Zero),
		envDecimal("MAX_EVENT_EXPOSURE", decimal.Zero),
	)

	// --- Shared account locks ---
	locks := wallet.NewAccountLocks()

	// --- WebSocket hub ---
	hub := feed.NewHub()
	go hub.Run()

	// --- Hierarchy distribution worker ---
	dist := hierarchy.NewDistributor(st, locks)
	worker := hierarchy.NewWorker(dist, envInt("DISTRIBUTION_QUEUE_SIZE", 1024))

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	go worker.Start(workerCtx)

	// --- Services ---
	placementSvc := placement.NewService(st, locks, limiter, hub)
	engine := settlement.NewEngine(st, locks, worker, hub)
	settlementSvc := settlement.NewService(engine, st)
	accountSvc := hierarchy.NewService(st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time risk events.
		r.Get("/ws", hub.HandleWS)

		// Account administration.
		r.Post("/accounts", accountSvc.CreateAccount)
		r.Get("/accounts/{id}", accountSvc.GetAccount)
		r.Get("/accounts/{id}/wallet", placementSvc.GetWallet)
		r.Get("/accounts/{id}/wagers", placementSvc.ListWagers)
		r.Get("/accounts/{id}/exposure", placementSvc.GetExposure)
		r.Get("/accounts/{id}/transfers", settlementSvc.ListTransfers)

		// Wager placement.
		r.Post("/wagers", placementSvc.PlaceWager)

		// Settlement lifecycle.
		r.Post("/settlements", settlementSvc.SettleMarket)
		r.Get("/settlements/{key}", settlementSvc.GetSettlement)
		r.Post("/settlements/{key}/reversal", settlementSvc.ReverseSettlement)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down risk-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopWorker()
	fmt.Println("risk-engine stopped")
}

func envDecimal(key string, def decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Error("invalid decimal env var", "key", key, "value", raw)
		os.Exit(1)
	}
	return d
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Error("invalid integer env var", "key", key, "value", raw)
		os.Exit(1)
	}
	return n
}
