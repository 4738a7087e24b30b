package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/cmdb-studio/relgraph/internal/api"
	"github.com/cmdb-studio/relgraph/internal/api/handlers"
	"github.com/cmdb-studio/relgraph/internal/app"
	"github.com/cmdb-studio/relgraph/internal/queue"
	"github.com/cmdb-studio/relgraph/internal/services"
	"github.com/cmdb-studio/relgraph/pkg/config"
	"github.com/cmdb-studio/relgraph/pkg/database"
	"github.com/cmdb-studio/relgraph/pkg/logger"
)

// @title           CMDB Relation Graph API
// @version         1.0
// @description     Relation types, triggers, rescans and topology for CMDB instances.

// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting relation graph api",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("propagation_mode", cfg.PropagationMode),
	)

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, database.Options{AppEnv: cfg.AppEnv, Logger: log})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()
	log.Info("database connected", zap.String("driver", cfg.DatabaseDriver))

	jwtSecret, fallback, err := cfg.SigningSecret()
	if err != nil {
		log.Fatal("invalid token configuration", zap.Error(err))
	}
	if fallback {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
	}

	rdb := app.NewRedisClient(cfg)
	defer func() { _ = rdb.Close() }()

	checks := map[string]handlers.Check{"database": app.PingDB(db)}
	core := app.NewCore(db, app.NewLocks(cfg, rdb), app.OptionsFrom(cfg), log)

	var (
		dispatcher services.Dispatcher
		pool       *queue.Pool
	)
	if cfg.UsesPool() {
		pool = queue.NewPool(cfg.PropagationWorkers, cfg.PropagationQueueSize)
		dispatcher = queue.NewPoolDispatcher(pool, core.TaskHandler(cfg.SchedulerEnabled))
		core.RecoverScans(ctx, cfg.ScanLockBackend)
		if cfg.SchedulerEnabled {
			if err := core.StartScheduling(ctx); err != nil {
				log.Fatal("failed to start scheduler", zap.Error(err))
			}
			checks["scheduler"] = app.SchedulerRunning(core.Scheduler)
		}
	} else {
		client := asynq.NewClient(app.AsynqRedisOpt(cfg))
		defer func() { _ = client.Close() }()
		dispatcher = queue.NewAsynqDispatcher(client, cfg.ScanLockTTL)
	}
	// pool mode with memory locks never talks to redis
	if !cfg.UsesPool() || cfg.ScanLockBackend == "redis" {
		checks["redis"] = app.PingRedis(rdb)
	}
	edge := core.WithDispatcher(dispatcher)

	router := api.NewRouter(api.Dependencies{
		HMACSecret:    jwtSecret,
		RateLimit:     50,
		RateBurst:     100,
		CORSOrigins:   cfg.CORSOrigins(),
		Health:        handlers.NewHealthHandler(checks),
		RelationTypes: handlers.NewRelationTypesHandler(core.RelationTypes),
		Relations:     handlers.NewRelationsHandler(core.Relations, core.Topology),
		Topology:      handlers.NewTopologyHandler(core.Topology),
		Triggers:      handlers.NewTriggersHandler(core.Triggers),
		Scans:         handlers.NewScansHandler(edge.Scans),
		Events:        handlers.NewEventsHandler(edge.Events),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

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
	if cfg.UsesPool() {
		_ = core.Scheduler.Stop(shutdownCtx)
		if err := pool.Close(shutdownCtx); err != nil {
			log.Warn("background jobs still running at shutdown", zap.Error(err))
		}
	}
}
