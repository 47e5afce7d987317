package database

import (
	"context"
	"database/sql"
	"fmt"

	"naskahsync/pkg/logger"
)

// schema is applied in order; every statement is idempotent. auth.users is
// owned by Supabase and only read from.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'Untitled Document',
		content TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS collaborators (
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('editor', 'viewer')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (document_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS document_versions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		saved_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS document_versions_doc_created_idx
		ON document_versions (document_id, created_at DESC)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	logger.Sugar.Infof("Applied %d schema statements", len(schema))
	return nil
}
