// Command agent runs a compute provider node: it registers with the
// marketplace, polls for work, executes jobs in sandboxed subprocesses, and
// serves a small local dashboard.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/compute-marketplace/internal/agent"
	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAgent()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	agent.InitMetrics()

	wallet, err := agent.LoadOrCreateWallet(cfg.WalletPath)
	if err != nil {
		slog.Error("wallet load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("wallet ready", slog.String("address", wallet.Address()))

	client := agent.NewClient(cfg.MarketplaceURL, cfg.APIKey)
	rt := agent.NewRuntime(cfg, client, wallet, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dash := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler:           dashboardRouter(rt, wallet),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("dashboard listening", slog.Int("port", cfg.DashboardPort))
		if err := dash.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("dashboard server error", slog.Any("error", err))
		}
	}()

	err = rt.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = dash.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("agent runtime stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("agent stopped")
}

// dashboardRouter exposes local-only observability: liveness, Prometheus
// metrics, the job history ring, and the current status.
func dashboardRouter(rt *agent.Runtime, wallet agent.Wallet) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/history", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"history": rt.History.List()})
	})
	r.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"wallet_address": wallet.Address(),
			"active_jobs":    rt.ActiveJobs(),
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
