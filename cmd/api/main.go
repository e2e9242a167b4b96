package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/api"
	"github.com/plotviz/engine/internal/api/handlers"
	"github.com/plotviz/engine/internal/bootstrap"
	"github.com/plotviz/engine/internal/metrics"
	"github.com/plotviz/engine/internal/queue"
	"github.com/plotviz/engine/internal/services"
	"github.com/plotviz/engine/pkg/config"
	"github.com/plotviz/engine/pkg/logger"
	"github.com/plotviz/engine/pkg/utils"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("Starting plotviz engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreDriver),
		zap.String("queue", cfg.QueueDriver),
		zap.String("blobs", cfg.BlobDriver),
	)

	ctx := context.Background()
	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to connect to store", zap.Error(err))
	}
	blobs, err := bootstrap.OpenBlobs(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open blob store", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	checks := map[string]handlers.Check{"store": stores.Ping}

	// The local dispatcher needs the service it feeds, so it is started
	// after the service is built.
	var (
		dispatcher services.BundleDispatcher
		local      *queue.LocalDispatcher
	)
	switch cfg.QueueDriver {
	case "asynq":
		rdb, err := bootstrap.PingRedis(ctx, cfg)
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		checks["queue"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		client := asynq.NewClient(bootstrap.RedisOpt(cfg))
		defer client.Close()
		dispatcher = queue.NewAsynqDispatcher(client, cfg.IngestBundleTimeout)
	default:
		local = queue.NewLocalDispatcher(cfg.IngestQueueSize, cfg.IngestBundleConcurrency, m)
		dispatcher = local
	}

	ingest := services.NewIngestService(stores.Artifacts, stores.Members, blobs, dispatcher, utils.NewIDGenerator(), m, bootstrap.IngestOptions(cfg))
	if local != nil {
		local.Start(ingest.ProcessBundle)
	}
	query := services.NewQueryService(stores.Artifacts, stores.Members, cfg.DefaultGroup)
	artifacts := services.NewArtifactService(stores.Artifacts, stores.Members)

	// Metrics go to a separate listener when METRICS_ADDR is set.
	var gatherer prometheus.Gatherer = reg
	if cfg.MetricsAddr != "" {
		gatherer = nil
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, uploads are anonymous (INSECURE for production)")
	}

	// Create router with dependencies
	router := api.NewRouter(api.Dependencies{
		HMACSecret:       jwtSecret,
		ArtifactsHandler: handlers.NewArtifactsHandler(ingest, query, artifacts, cfg.MaxUploadBytes),
		HealthHandler:    handlers.NewHealthHandler(checks),
		Metrics:          m,
		Gatherer:         gatherer,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
	if local != nil {
		if err := local.Close(shutdownCtx); err != nil {
			log.Warn("local ingest queue did not drain", zap.Error(err))
		}
	}
	if err := stores.Close(shutdownCtx); err != nil {
		log.Warn("store close error", zap.Error(err))
	}
}
