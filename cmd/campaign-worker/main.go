package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dialgrid/dialgrid/cmd/mainconfig"
	"github.com/dialgrid/dialgrid/internal/app/bootstrap"
	"github.com/dialgrid/dialgrid/internal/campaign"
	appconfig "github.com/dialgrid/dialgrid/internal/config"
	"github.com/dialgrid/dialgrid/internal/contacts"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

func main() {
	// Local development convenience; the file is absent in deployment.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	containerID := campaign.NewContainerID()
	logger.Info("starting dialgrid campaign worker",
		"env", cfg.Env,
		"container_id", containerID,
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

	// No event hub here: the dashboard stream is served by the API process.
	engine := bootstrap.BuildEngine(cfg, pool, redisClient, nil, dispatchMetrics, logger)

	commandQueue, err := mainconfig.BuildQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build campaign queue", "error", err)
		os.Exit(1)
	}

	campaignStore := campaign.NewPgStore(pool)
	contactSource := contacts.NewStore(pool)

	worker := campaign.NewWorker(campaign.WorkerConfig{
		Store:             campaignStore,
		Contacts:          contactSource,
		Dispatcher:        engine.Dispatcher,
		ContainerID:       containerID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OrphanThreshold:   cfg.OrphanHeartbeatThreshold,
		BatchSize:         cfg.ContactBatchSize,
		Metrics:           dispatchMetrics,
		Logger:            logger,
	})

	manager := campaign.NewManager(campaign.ManagerConfig{
		Store:                  campaignStore,
		Queue:                  commandQueue,
		Worker:                 worker,
		MaxConcurrentCampaigns: cfg.MaxConcurrentCampaigns,
		ScanInterval:           cfg.ClaimScanInterval,
		OrphanThreshold:        cfg.OrphanHeartbeatThreshold,
		Logger:                 logger,
	})

	detector := campaign.NewOrphanDetector(campaign.OrphanDetectorConfig{
		Store:        campaignStore,
		Threshold:    cfg.OrphanHeartbeatThreshold,
		ScanInterval: cfg.OrphanScanInterval,
		Logger:       logger,
	})

	// Probes and metrics for the orchestrator.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	adminSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		detector.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down campaign worker...")
	cancel()
	wg.Wait()

	_ = adminSrv.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("campaign worker stopped")
}
