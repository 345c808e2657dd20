package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/archon-ai/knowledge-core/internal/config"
)

// Open connects to the configured database, applies pool settings, and
// verifies the connection.
func Open(cfg *config.Config) (*sql.DB, error) {
	driver := cfg.DriverName()
	db, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite3" {
		// go-sqlite3 serializes writers; one connection avoids lock errors.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
