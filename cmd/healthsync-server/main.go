package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openhealth/exchange/internal/config"
	"github.com/openhealth/exchange/internal/credential"
	"github.com/openhealth/exchange/internal/device"
	"github.com/openhealth/exchange/internal/fhir"
	"github.com/openhealth/exchange/internal/platform/db"
	"github.com/openhealth/exchange/internal/platform/middleware"
	"github.com/openhealth/exchange/internal/provider"
	"github.com/openhealth/exchange/internal/queue"
	"github.com/openhealth/exchange/internal/registry"
	"github.com/openhealth/exchange/internal/resilience"
	"github.com/openhealth/exchange/internal/server"
	"github.com/openhealth/exchange/internal/syncer"
	"github.com/openhealth/exchange/internal/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthsync-server",
		Short: "Health data sync service",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Credential storage: Postgres when configured, in-memory otherwise
	var creds credential.Store
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		creds = credential.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	} else {
		creds = credential.NewInMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, credentials are held in memory only")
	}

	// Circuit breakers, one per upstream
	breakers := resilience.NewBreakerRegistry(logger)
	breakerCfg := resilience.DefaultBreakerConfig()

	// Provider clients
	clients := map[registry.Provider]provider.Client{
		registry.Withings: provider.NewWithingsClient(
			creds, cfg.WithingsClientID, cfg.WithingsClientSecret, logger,
			provider.WithBreaker(breakers.Get(resilience.BreakerWithings, breakerCfg)),
		),
		registry.Fitbit: provider.NewFitbitClient(
			creds, cfg.FitbitClientID, cfg.FitbitClientSecret, logger,
			provider.WithBreaker(breakers.Get(resilience.BreakerFitbit, breakerCfg)),
		),
	}

	// FHIR sink
	fhirOpts := []fhir.ClientOption{
		fhir.WithBreaker(breakers.Get(resilience.BreakerFHIR, breakerCfg)),
	}
	if cfg.FHIRToken != "" {
		fhirOpts = append(fhirOpts, fhir.WithBearerToken(cfg.FHIRToken))
	}
	sink := fhir.NewClient(cfg.FHIRBaseURL, logger, fhirOpts...)

	// Pipeline services
	orchestrator := syncer.NewOrchestrator(clients, sink, syncer.NewInMemoryLastSyncStore(), logger)
	devices := device.NewService(clients, sink, logger)
	subscriptions := webhook.NewManager(creds, cfg.WebhookCallbackBase, logger)

	// Task queue
	jobs := queue.New(cfg.QueueWorkers, logger)
	server.RegisterJobHandlers(jobs, orchestrator, devices, subscriptions, logger)
	queueCtx, queueCancel := context.WithCancel(ctx)
	defer queueCancel()
	jobs.Start(queueCtx)
	defer jobs.Stop()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	// Health checks
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/healthz/db", db.HealthHandler(pool))
	}

	// Webhook ingestion
	secrets := webhook.Secrets{
		Withings:      cfg.WithingsWebhookSecret,
		Fitbit:        cfg.FitbitClientSecret,
		AllowUnsigned: cfg.AllowUnsignedWebhooks,
	}
	if cfg.AllowUnsignedWebhooks {
		logger.Warn().Msg("unsigned webhook notifications are accepted (ALLOW_UNSIGNED_WEBHOOKS)")
	}
	webhookHandler := webhook.NewHandler(secrets, cfg.FitbitVerifyCode, webhook.NewProcessor(logger), jobs, logger)
	webhookHandler.RegisterRoutes(e.Group("/webhooks"))

	// Operational API
	apiHandler := server.NewHandler(jobs, subscriptions, devices, logger)
	apiHandler.RegisterRoutes(e.Group("/api"))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
