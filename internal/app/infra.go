package app

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/cmdb-studio/relgraph/internal/scan"
	"github.com/cmdb-studio/relgraph/internal/scheduler"
	"github.com/cmdb-studio/relgraph/pkg/config"
	"github.com/cmdb-studio/relgraph/pkg/logger"
)

func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
}

func AsynqRedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	}
}

// NewLocks picks the scan lock backend. rdb is only used for the redis backend.
func NewLocks(cfg *config.Config, rdb redis.UniversalClient) scan.LockRegistry {
	if cfg.ScanLockBackend == "redis" {
		return scan.NewRedisLocks(rdb, cfg.ScanLockTTL, logger.L())
	}
	return scan.NewMemoryLocks()
}

// Options derives assembly options from configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		ScanBatchSize:    cfg.ScanBatchSize,
		ScanConcurrency:  cfg.ScanConcurrency,
		TopologyMaxNodes: cfg.TopologyMaxNodes,
		ScanJobTimeout:   cfg.ScanLockTTL,
	}
}

func PingDB(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func PingRedis(rdb redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// SchedulerRunning fails readiness when the process owns the cron table but
// the scheduler has stopped.
func SchedulerRunning(s *scheduler.Scheduler) func(ctx context.Context) error {
	return func(context.Context) error {
		if !s.IsRunning() {
			return errors.New("scheduler not running")
		}
		return nil
	}
}
