package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/client"
	"github.com/pesio-ai/be-ap-approvals/internal/config"
	"github.com/pesio-ai/be-ap-approvals/internal/handler"
	"github.com/pesio-ai/be-ap-approvals/internal/metrics"
	"github.com/pesio-ai/be-ap-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-approvals/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid database URL")
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Repositories
	approvalRepo := repository.NewApprovalRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Optional Redis for policy cache invalidation
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis client initialized")
	}

	// Optional NATS for notifications
	var notifier service.Notifier
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		notifier = client.NewNotificationPublisher(nc, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher initialized")
	}

	// Policy cache: cold-load at startup, refresh on invalidation signals.
	policyCache := service.NewPolicyCache(policyRepo, log)
	if err := policyCache.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load approval policies")
	}
	if rdb != nil {
		go policyCache.Listen(ctx, rdb)
	}

	// Core services
	m := metrics.New(prometheus.DefaultRegisterer)
	engine := service.NewPolicyEngine(policyCache, log)
	escalations := service.NewEscalationManager(engine, policyCache, notifier,
		cfg.Approvals.DefaultTimeoutMinutes, log)
	approvals := service.NewApprovalService(approvalRepo, policyCache, engine, escalations,
		auditRepo, notifier, m, cfg.Approvals.DefaultTimeoutMinutes, log)
	policyAdmin := service.NewPolicyAdminService(policyRepo, policyRepo, engine, policyCache, rdb, log)

	// HTTP routes
	httpHandler := handler.NewHTTPHandler(approvals, policyAdmin, auditRepo, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	httpHandler.Mount(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Timeout sweep scheduler
	go runSweeper(ctx, approvals, cfg.Sweep, log)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// runSweeper invokes the timeout sweep on a fixed interval until ctx is done.
func runSweeper(ctx context.Context, approvals *service.ApprovalService, cfg config.SweepConfig, log zerolog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", cfg.Interval).
		Int("batch_size", cfg.BatchSize).
		Msg("Timeout sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			escalated, err := approvals.ProcessTimeouts(ctx, cfg.BatchSize)
			if err != nil {
				log.Error().Err(err).Msg("Timeout sweep failed")
				continue
			}
			if escalated > 0 {
				log.Info().Int("escalated", escalated).Msg("Timeout sweep escalated approvals")
			}
		}
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Logger()
}
