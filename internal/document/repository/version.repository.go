package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"naskahsync/pkg/logger"
	"naskahsync/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// foreignKeyViolation is the Postgres SQLSTATE raised when a snapshot
// references a document that does not exist.
const foreignKeyViolation = "23503"

// VersionRepository is the Postgres-backed store.VersionStore. Rows are only
// ever inserted; nothing here updates or deletes a snapshot.
type VersionRepository struct {
	DB  *sql.DB
	now func() time.Time
}

func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{DB: db, now: time.Now}
}

var _ store.VersionStore = (*VersionRepository)(nil)

// Append inserts a snapshot. created_at is bumped past the newest existing
// snapshot of the document so the sequence stays strictly increasing even
// across servers with skewed clocks.
func (r *VersionRepository) Append(ctx context.Context, docID, content, savedBy string) (*store.Version, error) {
	v := store.Version{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Content:    content,
		SavedBy:    savedBy,
	}
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO document_versions (id, document_id, content, saved_by, created_at)
		VALUES ($1, $2, $3, $4, GREATEST($5::timestamptz,
			(SELECT MAX(created_at) + INTERVAL '1 microsecond' FROM document_versions WHERE document_id = $2)))
		RETURNING created_at`,
		v.ID, docID, content, savedBy, r.now().UTC(),
	).Scan(&v.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return nil, store.ErrNotFound
		}
		logger.Sugar.Errorf("Failed to append version for doc %s: %v", docID, err)
		return nil, fmt.Errorf("append version: %w", err)
	}
	return &v, nil
}

func (r *VersionRepository) GetVersion(ctx context.Context, versionID string) (*store.Version, error) {
	var v store.Version
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, document_id, content, saved_by, created_at FROM document_versions WHERE id = $1", versionID,
	).Scan(&v.ID, &v.DocumentID, &v.Content, &v.SavedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get version %s: %v", versionID, err)
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &v, nil
}

func (r *VersionRepository) List(ctx context.Context, docID string, page, limit int) (*store.VersionPage, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_versions WHERE document_id = $1", docID).Scan(&total); err != nil {
		logger.Sugar.Errorf("Failed to count versions for doc %s: %v", docID, err)
		return nil, fmt.Errorf("count versions: %w", err)
	}

	result := &store.VersionPage{
		Versions:    []store.Version{},
		CurrentPage: page,
		TotalPages:  store.TotalPages(total, limit),
	}
	// Checked against the page count, not the offset, which could overflow.
	if page < 1 || limit < 1 || page > result.TotalPages {
		return result, nil
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, document_id, content, saved_by, created_at FROM document_versions
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, docID, limit, (page-1)*limit)
	if err != nil {
		logger.Sugar.Errorf("Failed to list versions for doc %s: %v", docID, err)
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v store.Version
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Content, &v.SavedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		result.Versions = append(result.Versions, v)
	}
	return result, rows.Err()
}
