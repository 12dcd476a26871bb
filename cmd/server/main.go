package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpsim/trade-engine/internal/cache"
	"github.com/perpsim/trade-engine/internal/config"
	"github.com/perpsim/trade-engine/internal/engine"
	"github.com/perpsim/trade-engine/internal/event"
	"github.com/perpsim/trade-engine/internal/feed"
	"github.com/perpsim/trade-engine/internal/metrics"
	"github.com/perpsim/trade-engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Cache ---
	var ch cache.Cache
	var cleanup []func()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		ch = cache.NewRedisCache(rdb)
		slog.Info("Redis cache enabled")
	} else {
		ch = cache.NewMemoryCache()
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine + event bus ---
	bus := event.NewBus(cfg.Broadcast.EventBuffer)
	eng := engine.New(engine.Config{
		Symbol:                cfg.Engine.Symbol,
		InitialBalance:        decimal.NewFromFloat(cfg.Engine.InitialBalance),
		MaxLeverage:           decimal.NewFromFloat(cfg.Engine.MaxLeverage),
		DefaultLeverage:       decimal.NewFromFloat(cfg.Engine.DefaultLeverage),
		LiquidationThreshold:  decimal.NewFromFloat(cfg.Engine.LiquidationThreshold),
		MaintenanceMarginRate: decimal.NewFromFloat(cfg.Engine.MaintenanceMarginRate),
		MakerFee:              decimal.NewFromFloat(cfg.Engine.MakerFee),
		TakerFee:              decimal.NewFromFloat(cfg.Engine.TakerFee),
	}, bus)

	// --- Session registry + broadcast scheduler ---
	reg := ws.NewRegistry(eng, ch, ws.Config{
		RateLimitPerSecond: cfg.Session.RateLimitPerSecond,
		InactivityTimeout:  time.Duration(cfg.Session.InactivityTimeoutSec) * time.Second,
		PingInterval:       time.Duration(cfg.Session.PingIntervalSec) * time.Second,
		SendBuffer:         cfg.Session.SendBuffer,
	})
	sched := ws.NewScheduler(reg, cfg.Broadcast.BatchSize,
		time.Duration(cfg.Broadcast.DrainIntervalMs)*time.Millisecond)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	go reg.Run(runCtx, bus.Subscribe())
	go sched.Run(runCtx)

	// --- Market data feed ---
	var feedClient *feed.Client
	if cfg.Feed.URL != "" {
		feedClient = feed.New(feed.Config{
			URL:    cfg.Feed.URL,
			Symbol: cfg.Engine.Symbol,
			Backoff: feed.Backoff{
				Min:    time.Duration(cfg.Feed.ReconnectMinMs) * time.Millisecond,
				Max:    time.Duration(cfg.Feed.ReconnectMaxMs) * time.Millisecond,
				Factor: 2.0,
				Jitter: 0.2,
			},
			MaxReconnects: cfg.Feed.MaxReconnects,
			SnapshotTTL:   time.Duration(cfg.Feed.SnapshotTTLSec) * time.Second,
		}, eng.UpdateCurrentPrice, sched, ch)
		go feedClient.Run(runCtx)
	} else {
		slog.Warn("feed.url not set, engine will only see prices pushed by tests or tools")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		feedStatus := "disabled"
		if feedClient != nil {
			feedStatus = string(feedClient.Status())
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"trade-engine","feed":%q}`, feedStatus)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The websocket route skips the timeout and metrics middleware: both wrap
	// the ResponseWriter and would break the Upgrade hijack.
	r.Get("/api/v1/ws", reg.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(metrics.Middleware)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/leaderboard", func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(reg.Leaderboard(req.Context()))
			})
			r.Get("/price", func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"symbol":%q,"price":%q}`, cfg.Engine.Symbol, eng.CurrentPrice())
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	grace := time.Duration(cfg.Server.ShutdownGraceSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	slog.Info("shutting down trade-engine...")
	stopRun()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	reg.Shutdown(ctx)
	bus.Close()
	fmt.Println("trade-engine stopped")
}
