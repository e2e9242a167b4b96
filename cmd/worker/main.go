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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/plotviz/engine/internal/bootstrap"
	"github.com/plotviz/engine/internal/metrics"
	"github.com/plotviz/engine/internal/queue/tasks"
	"github.com/plotviz/engine/internal/services"
	"github.com/plotviz/engine/pkg/config"
	"github.com/plotviz/engine/pkg/logger"
	"github.com/plotviz/engine/pkg/utils"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	rdb, err := bootstrap.PingRedis(ctx, cfg)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	_ = rdb.Close()

	srv := asynq.NewServer(
		bootstrap.RedisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues:      map[string]int{tasks.QueueIngest: 1},
			Logger:      log.Named("asynq").Sugar(),
		},
	)

	// Initialize stores for task handlers
	stores, err := bootstrap.OpenStores(ctx, cfg)
	if err != nil {
		logger.L().Fatal("failed to open store", zap.Error(err))
	}
	defer stores.Close(context.Background())
	blobs, err := bootstrap.OpenBlobs(ctx, cfg)
	if err != nil {
		logger.L().Fatal("failed to open blob store", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.L().Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	// the worker never dispatches, it only runs the background phase
	ingest := services.NewIngestService(stores.Artifacts, stores.Members, blobs, nil, utils.NewIDGenerator(), m, bootstrap.IngestOptions(cfg))

	mux := asynq.NewServeMux()
	handler := tasks.NewBundleTaskHandler(ingest)
	mux.HandleFunc(tasks.TypeIngestBundle, handler.HandleIngestBundle)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// Allow in-flight tasks to finish gracefully
	srv.Shutdown()
}
