package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"naskahsync/config"
	"naskahsync/pkg/logger"

	_ "github.com/lib/pq"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// Connect opens the Postgres pool and pings it with a few retries to ride out
// temporary DNS or network blips.
func Connect(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for i := 0; i < connectAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Sugar.Info("Successfully connected to the database")
			return db, nil
		}
		logger.Sugar.Infof("Database connection failed, retrying in %s... (%v)", connectBackoff, err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database after %d attempts: %w", connectAttempts, err)
}
