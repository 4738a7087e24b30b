package main

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"

	"github.com/cmdb-studio/relgraph/internal/models"
)

// Indexes and partial indexes AutoMigrate can't express live in versioned SQL.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func gooseDialect(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "postgres", nil
	case "sqlite":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// runMigrations creates or updates every table, then applies the SQL migrations.
func runMigrations(ctx context.Context, db *gorm.DB, driver string) error {
	if err := db.WithContext(ctx).AutoMigrate(models.Registry()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	dialect, err := gooseDialect(driver)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	goose.SetBaseFS(sqlFS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "sql"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func migrationVersion(ctx context.Context, db *gorm.DB) (int64, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, sqlDB)
}
