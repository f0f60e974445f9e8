package main

import (
	"context"
	"errors"
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

	"github.com/brickshare/market-engine/internal/auth"
	"github.com/brickshare/market-engine/internal/catalog"
	"github.com/brickshare/market-engine/internal/ledger"
	"github.com/brickshare/market-engine/internal/market"
	"github.com/brickshare/market-engine/internal/metrics"
	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/pricing"
	"github.com/brickshare/market-engine/internal/store"
	"github.com/brickshare/market-engine/internal/trade"
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

	// --- Tunables ---
	tickInterval := market.DefaultTickInterval
	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			slog.Error("invalid TICK_INTERVAL", "value", v)
			os.Exit(1)
		}
		tickInterval = d
	}
	historyLimit := market.DefaultHistoryLimit
	if v := os.Getenv("PRICE_HISTORY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Error("invalid PRICE_HISTORY_LIMIT", "value", v)
			os.Exit(1)
		}
		historyLimit = n
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Warn("JWT_SECRET not set, using an insecure development secret")
		jwtSecret = "dev-secret-do-not-use-in-production"
	}

	// --- Seed the property catalog ---
	seeded, err := seedProperties(context.Background(), st, historyLimit)
	if err != nil {
		slog.Error("catalog seeding failed", "err", err)
		os.Exit(1)
	}
	slog.Info("property catalog ready", "properties", len(seeded))

	// --- Market simulator ---
	sim := market.New(pricing.NewDefaultEngine(), st, seeded, historyLimit, nil)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	sim.Subscribe(func(u market.PriceUpdate) {
		if u.Cause == market.CauseTick {
			metrics.TicksTotal.Inc()
		}
		wsHub.Broadcast(trade.MessageFromUpdate(u))
	})

	// --- Ledger + auth ---
	led := ledger.NewService(st, sim)
	am := auth.NewManager(st, auth.JWT{Secret: []byte(jwtSecret), TokenTTL: 24 * time.Hour})

	// Portfolios follow the session: loaded on sign-in, released on
	// sign-out.
	am.OnChange(func(ev auth.SessionEvent) {
		switch ev.State {
		case auth.StateLoading:
			if _, err := led.Load(context.Background(), ev.UserID); err != nil {
				slog.Error("portfolio load failed", "user", ev.UserID, "err", err)
			}
		case auth.StateSignedOut:
			led.Release(ev.UserID)
		}
	})

	// --- Trade service ---
	tradeSvc := trade.NewService(sim, led, am, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts.
		r.Post("/auth/signup", tradeSvc.SignUp)
		r.Post("/auth/signin", tradeSvc.SignIn)

		// Property catalog.
		r.Get("/properties", tradeSvc.ListProperties)
		r.Get("/properties/{propertyID}", tradeSvc.GetProperty)
		r.Get("/properties/{propertyID}/history", tradeSvc.GetPriceHistory)

		// Session-scoped operations.
		r.Group(func(r chi.Router) {
			r.Use(am.RequireSession)
			r.Post("/auth/signout", tradeSvc.SignOut)
			r.Post("/trade", tradeSvc.ExecuteTrade)
			r.Get("/portfolio", tradeSvc.GetPortfolio)
		})
	})

	// Start the random walk.
	sim.Start(tickInterval)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", port, "tick_interval", tickInterval.String())
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

	slog.Info("shutting down market-engine...")
	sim.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// seedProperties reconciles the embedded catalog with the store. A
// property already in the store keeps its persisted price state and
// history across restarts; new catalog entries are written through.
func seedProperties(ctx context.Context, st store.Store, historyLimit int) ([]model.Property, error) {
	seeds, err := catalog.Load(time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	out := make([]model.Property, 0, len(seeds))
	for _, seed := range seeds {
		existing, err := st.GetProperty(ctx, seed.ID)
		switch {
		case err == nil:
			history, err := st.GetPriceHistory(ctx, existing.ID, historyLimit)
			if err != nil {
				return nil, fmt.Errorf("load history for property %d: %w", existing.ID, err)
			}
			existing.PriceHistory = history
			out = append(out, *existing)

		case errors.Is(err, store.ErrNotFound):
			if err := st.UpsertProperty(ctx, &seed); err != nil {
				return nil, fmt.Errorf("seed property %d: %w", seed.ID, err)
			}
			if len(seed.PriceHistory) > 0 {
				if err := st.InsertPricePoint(ctx, seed.ID, seed.PriceHistory[0]); err != nil {
					return nil, fmt.Errorf("seed history for property %d: %w", seed.ID, err)
				}
			}
			out = append(out, seed)

		default:
			return nil, fmt.Errorf("check property %d: %w", seed.ID, err)
		}
	}
	return out, nil
}
