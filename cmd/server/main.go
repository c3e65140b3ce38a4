// Command server starts the compute marketplace broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/httpserver"
	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/adapter/payment/stub"
	"github.com/fairyhunter13/compute-marketplace/internal/adapter/repo/memory"
	"github.com/fairyhunter13/compute-marketplace/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/compute-marketplace/internal/app"
	"github.com/fairyhunter13/compute-marketplace/internal/config"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
	"github.com/fairyhunter13/compute-marketplace/internal/service/loadbalancer"
	"github.com/fairyhunter13/compute-marketplace/internal/service/ratelimiter"
	"github.com/fairyhunter13/compute-marketplace/internal/service/settlement"
	"github.com/fairyhunter13/compute-marketplace/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ c *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Persistence
	var store domain.Store
	switch cfg.StoreDriver {
	case "memory":
		store = memory.New()
		slog.Warn("using in-memory store, state is lost on restart")
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("db migrate failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = postgres.New(pool)
	}

	clock := domain.RealClock{}

	// Scheduler state is in-memory only; rebuild it from the Store so
	// assignments survive a broker restart.
	lb := loadbalancer.New(clock, cfg.HeartbeatTimeout)
	if err := app.RebuildBalancer(ctx, store, lb); err != nil {
		slog.Error("balancer rebuild failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Settlement
	backend := stub.New(cfg.PaymentFaucetLamports)
	confirmDelay, confirmTimeout := cfg.GetConfirmBackoff()
	worker := settlement.New(store, backend, settlement.Options{
		Buffer:              cfg.SettlementBuffer,
		MaxSendAttempts:     cfg.SettlementMaxAttempts,
		ConfirmInitialDelay: confirmDelay,
		ConfirmTotalTimeout: confirmTimeout,
		DrainTimeout:        cfg.ShutdownDrainTimeout,
	})
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go worker.Run(bgCtx)
	if err := worker.Reconcile(ctx); err != nil {
		slog.Error("settlement reconcile failed", slog.Any("error", err))
	}

	// Poll limiter, only when Redis is configured.
	var (
		rdb     *redis.Client
		limiter ratelimiter.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		limiter = ratelimiter.NewPollLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.PollRatePerMinute))
	} else {
		slog.Warn("REDIS_ADDR not set, poll rate limiting disabled")
	}

	// Usecases
	agents := usecase.NewAgentService(store, lb, clock)
	jobs := usecase.NewJobService(store, lb, worker, limiter, clock, cfg.MaxAvailableJobs)
	admin := usecase.NewAdminService(store, lb, backend, cfg.MarketplaceWallet, clock)

	if !cfg.AdminEnabled() {
		slog.Warn("no admin key configured, admin surface responds 403")
	}

	// Readiness checks
	var rc app.RedisClient
	if rdb != nil {
		rc = redisAdapter{c: rdb}
	}
	dbCheck, redisCheck := app.BuildReadinessChecks(store, rc)

	srv := httpserver.NewServer(cfg, agents, jobs, admin, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	// Watchdog and retention sweeps
	maint := app.NewMaintenance(store, lb, clock, cfg.MaintenanceInterval, cfg.JobRetention, cfg.CleanupInterval)
	go maint.Run(bgCtx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("store", cfg.StoreDriver))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop background loops, then let the settlement worker drain earned
	// payments before the process exits.
	stopBackground()
	worker.Wait()
}
