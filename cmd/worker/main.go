package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cmdb-studio/relgraph/internal/app"
	"github.com/cmdb-studio/relgraph/internal/queue/tasks"
	"github.com/cmdb-studio/relgraph/pkg/config"
	"github.com/cmdb-studio/relgraph/pkg/database"
	"github.com/cmdb-studio/relgraph/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.UsesPool() {
		log.Warn("PROPAGATION_MODE=pool runs background work in the api process; worker has nothing to consume")
	}

	rdb := app.NewRedisClient(cfg)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, database.Options{AppEnv: cfg.AppEnv, Logger: log})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	core := app.NewCore(db, app.NewLocks(cfg, rdb), app.OptionsFrom(cfg), log)
	core.RecoverScans(ctx, cfg.ScanLockBackend)

	if cfg.SchedulerEnabled {
		if err := core.StartScheduling(ctx); err != nil {
			log.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	srv := asynq.NewServer(
		app.AsynqRedisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues: map[string]int{
				tasks.QueueDefault: 6,
				tasks.QueueScans:   2,
			},
			ShutdownTimeout: cfg.ShutdownTimeout,
		},
	)

	mux := asynq.NewServeMux()
	core.TaskHandler(cfg.SchedulerEnabled).Register(mux)

	errCh := make(chan error, 2)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.L().Info("metrics listener starting", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	go func() {
		logger.L().Info("asynq worker starting",
			zap.Int("concurrency", cfg.AsynqConcurrency),
			zap.Bool("scheduler", cfg.SchedulerEnabled),
			zap.String("lock_backend", cfg.ScanLockBackend),
		)
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

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = core.Scheduler.Stop(stopCtx)
	srv.Shutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(stopCtx)
	}
}
