package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options tune the gorm session opened by Open.
type Options struct {
	AppEnv string
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) level() gormlogger.LogLevel { return quiet(o.AppEnv) }

// Open connects to the configured driver: "postgres" for deployments,
// "sqlite" for single-node runs and tests.
func Open(ctx context.Context, driver, dsn string, opts Options) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return OpenPostgres(ctx, dsn, opts)
	case "sqlite":
		return OpenSQLite(dsn, opts)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Close releases the pooled connections behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
