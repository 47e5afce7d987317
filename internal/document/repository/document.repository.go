package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"naskahsync/pkg/logger"
	"naskahsync/store"

	"github.com/google/uuid"
)

// DocumentRepository is the Postgres-backed store.DocumentStore.
type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

var _ store.DocumentStore = (*DocumentRepository)(nil)

func (r *DocumentRepository) Create(ctx context.Context, doc *store.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	err := r.DB.QueryRowContext(ctx,
		`INSERT INTO documents (id, content, owner_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at`,
		doc.ID, doc.Content, doc.OwnerID, doc.Title,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Get(ctx context.Context, docID string) (*store.Document, error) {
	var doc store.Document
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, title, content, owner_id, created_at, updated_at FROM documents WHERE id = $1", docID,
	).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get doc %s: %v", docID, err)
		return nil, fmt.Errorf("get document: %w", err)
	}

	shares, err := r.shares(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.SharedWith = shares
	return &doc, nil
}

func (r *DocumentRepository) shares(ctx context.Context, docID string) ([]store.Share, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT user_id, role FROM collaborators WHERE document_id = $1 ORDER BY created_at ASC, user_id ASC", docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get collaborators for doc %s: %v", docID, err)
		return nil, fmt.Errorf("get collaborators: %w", err)
	}
	defer rows.Close()

	shares := []store.Share{}
	for rows.Next() {
		var s store.Share
		if err := rows.Scan(&s.UserID, &s.Role); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func (r *DocumentRepository) UpdateContent(ctx context.Context, docID, content string) error {
	result, err := r.DB.ExecContext(ctx, `UPDATE documents SET content = $1, updated_at = NOW() WHERE id = $2`, content, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update content for doc %s: %v", docID, err)
		return fmt.Errorf("update content: %w", err)
	}
	return requireRow(result)
}

func (r *DocumentRepository) UpdateTitle(ctx context.Context, docID, title string) error {
	result, err := r.DB.ExecContext(ctx, "UPDATE documents SET title = $1, updated_at = NOW() WHERE id = $2", title, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update title for doc %s: %v", docID, err)
		return fmt.Errorf("update title: %w", err)
	}
	return requireRow(result)
}

// Delete removes the document; collaborators and document_versions rows go
// with it through ON DELETE CASCADE.
func (r *DocumentRepository) Delete(ctx context.Context, docID string) error {
	result, err := r.DB.ExecContext(ctx, "DELETE FROM documents WHERE id = $1", docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", docID, err)
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(result)
}

func (r *DocumentRepository) ListForUser(ctx context.Context, userID string) ([]store.Document, error) {
	query := `
		SELECT id, title, content, owner_id, created_at, updated_at FROM documents WHERE owner_id = $1
		UNION
		SELECT d.id, d.title, d.content, d.owner_id, d.created_at, d.updated_at FROM documents d JOIN collaborators c ON d.id = c.document_id WHERE c.user_id = $1
		ORDER BY updated_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []store.Document{}
	for rows.Next() {
		var doc store.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.OwnerID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			logger.Sugar.Warnf("Skipping unreadable document row: %v", err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (r *DocumentRepository) Share(ctx context.Context, docID, userID string, role store.Role) error {
	var ownerID string
	err := r.DB.QueryRowContext(ctx, "SELECT owner_id FROM documents WHERE id = $1", docID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get owner: %w", err)
	}
	if ownerID == userID {
		return store.ErrAlreadyOwner
	}

	_, err = r.DB.ExecContext(ctx, `INSERT INTO collaborators (document_id, user_id, role, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = EXCLUDED.role`, docID, userID, string(role))
	if err != nil {
		logger.Sugar.Errorf("Failed to add collaborator %s to doc %s: %v", userID, docID, err)
		return fmt.Errorf("share document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) UserIDByEmail(ctx context.Context, email string) (string, error) {
	var userID string
	err := r.DB.QueryRowContext(ctx, "SELECT id FROM auth.users WHERE lower(email) = lower($1)", email).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get user by email %s: %v", email, err)
		return "", fmt.Errorf("lookup user: %w", err)
	}
	return userID, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
