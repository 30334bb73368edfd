// rewards-housekeeper runs the gift-expiry sweep: pending gifts past their
// 30-day deadline are transitioned to expired and the held Claims refunded to
// the sender. The sweep is the only place expiry refunds happen; claim
// attempts never refund inline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"rewardshub/config"
	"rewardshub/engine/gift"
	"rewardshub/engine/ledger"
	"rewardshub/observability/logging"
	"rewardshub/observability/otel"
	"rewardshub/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service: "rewards-housekeeper",
		Env:     cfg.Environment,
		File:    cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "rewards-housekeeper",
			Environment: cfg.Environment,
			Endpoint:    cfg.TelemetryEndpoint,
			Insecure:    cfg.TelemetryInsecure,
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			logger.Error("init telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	db, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}

	claims := ledger.New(db)
	gifts := gift.NewEngine(db, claims)

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: otelhttp.NewHandler(router, "rewards-housekeeper"),
	}
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	go runSweeper(ctx, logger, gifts, cfg)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

// runSweeper expires overdue gifts on a fixed interval. The rate limiter
// bounds ledger pressure when a large backlog drains after downtime.
func runSweeper(ctx context.Context, logger *slog.Logger, gifts *gift.Engine, cfg *config.Config) {
	limiter := rate.NewLimiter(rate.Limit(cfg.SweepRate), cfg.SweepBatchSize)
	ticker := time.NewTicker(cfg.SweepInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			if err := limiter.WaitN(ctx, cfg.SweepBatchSize); err != nil {
				return
			}
			expired, err := gifts.ExpirePending(ctx, cfg.SweepBatchSize)
			if err != nil {
				logger.Error("expiry sweep", "error", err)
				break
			}
			if expired > 0 {
				logger.Info("expired gifts refunded", "count", expired)
			}
			if expired < cfg.SweepBatchSize {
				break
			}
		}
	}
}
