package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dialgrid/dialgrid/cmd/mainconfig"
	"github.com/dialgrid/dialgrid/internal/api/router"
	"github.com/dialgrid/dialgrid/internal/app/bootstrap"
	"github.com/dialgrid/dialgrid/internal/campaign"
	appconfig "github.com/dialgrid/dialgrid/internal/config"
	"github.com/dialgrid/dialgrid/internal/contacts"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/http/handlers"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

func main() {
	// Local development convenience; the file is absent in deployment.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting dialgrid API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildPgxPool(ctx, cfg)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	dispatchMetrics := metrics.NewDispatchMetrics(registry)

	hub := events.NewHub(logger)
	go hub.Run()

	engine := bootstrap.BuildEngine(cfg, pool, redisClient, hub, dispatchMetrics, logger)

	// Age out calls abandoned by an earlier deploy, then keep sweeping in the
	// background so stuck rows release their concurrency slots.
	if _, err := engine.Sweeper.CleanupAll(ctx); err != nil {
		logger.Error("startup cleanup failed", "error", err)
	}
	go engine.Sweeper.Run(ctx)

	commandQueue, err := mainconfig.BuildQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build campaign queue", "error", err)
		os.Exit(1)
	}

	campaignStore := campaign.NewPgStore(pool)
	contactSource := contacts.NewStore(pool)

	callsHandler := handlers.NewCallsHandler(handlers.CallsConfig{
		Dispatcher: engine.Dispatcher,
		Ledger:     engine.Ledger,
		Logger:     logger,
	})
	campaignsHandler := handlers.NewCampaignsHandler(handlers.CampaignsConfig{
		Store:    campaignStore,
		Contacts: contactSource,
		Queue:    commandQueue,
		Events:   hub,
		Logger:   logger,
	})
	plivoHandler := handlers.NewPlivoWebhookHandler(handlers.PlivoWebhookConfig{
		Ledger:  engine.Ledger,
		Events:  hub,
		Metrics: dispatchMetrics,
		Logger:  logger,
	})
	twilioCfg := handlers.TwilioWebhookConfig{
		Ledger:          engine.Ledger,
		Events:          hub,
		Metrics:         dispatchMetrics,
		Logger:          logger,
		CallbackBaseURL: cfg.BaseURL,
	}
	if cfg.TwilioValidateSignatures {
		twilioCfg.AuthToken = cfg.TwilioAuthToken
	}
	twilioHandler := handlers.NewTwilioWebhookHandler(twilioCfg)

	healthChecks := map[string]handlers.Pinger{
		"postgres": pool.Ping,
	}
	if redisClient != nil {
		healthChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	healthHandler := handlers.NewHealthHandler(logger, healthChecks)

	r := router.New(&router.Config{
		Logger:             logger,
		Calls:              callsHandler,
		Campaigns:          campaignsHandler,
		Plivo:              plivoHandler,
		Twilio:             twilioHandler,
		Health:             healthHandler,
		EventHub:           hub,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	closeRedis(redisClient, logger)

	logger.Info("server stopped")
}

func closeRedis(client *redis.Client, logger *logging.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("redis close failed", "error", err)
	}
}
