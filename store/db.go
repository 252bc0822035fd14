// Package store persists user profiles, provider registrations and the
// application configuration record in file-backed sqlite databases.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound reports that no record matches the lookup key.
var ErrNotFound = errors.New("record not found")

// Clock supplies timestamps for inserted_at/updated_at.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now().UTC() }

// Open opens (creating when absent) the sqlite database at path and migrates
// the given models.
func Open(ctx context.Context, path string, models ...any) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}

	for _, model := range models {
		if err := db.WithContext(ctx).AutoMigrate(model); err != nil {
			return nil, fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
