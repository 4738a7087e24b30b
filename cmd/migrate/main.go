package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cmdb-studio/relgraph/pkg/config"
	"github.com/cmdb-studio/relgraph/pkg/database"
	"github.com/cmdb-studio/relgraph/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, database.Options{AppEnv: cfg.AppEnv, Logger: log})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	if err := runMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	version, err := migrationVersion(ctx, db)
	if err != nil {
		log.Warn("could not read migration version", zap.Error(err))
	}
	log.Info("schema up to date", zap.Int64("version", version))

	fmt.Fprintln(os.Stdout, "migrations completed")
}
