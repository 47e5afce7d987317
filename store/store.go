package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidRole  = errors.New("invalid role: must be editor or viewer")
	ErrAlreadyOwner = errors.New("user already owns this document")
)

// DocumentStore persists canonical document content and sharing metadata.
type DocumentStore interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, docID string) (*Document, error)
	// UpdateContent overwrites the canonical content. There is no
	// optimistic-concurrency check: the last write to arrive wins.
	UpdateContent(ctx context.Context, docID, content string) error
	UpdateTitle(ctx context.Context, docID, title string) error
	Delete(ctx context.Context, docID string) error
	ListForUser(ctx context.Context, userID string) ([]Document, error)
	// Share upserts the grant for userID, keeping one grant per user.
	Share(ctx context.Context, docID, userID string, role Role) error
	UserIDByEmail(ctx context.Context, email string) (string, error)
}

// VersionStore is an append-only log of content snapshots per document.
type VersionStore interface {
	Append(ctx context.Context, docID, content, savedBy string) (*Version, error)
	GetVersion(ctx context.Context, versionID string) (*Version, error)
	// List returns the page-th page (1-based) of limit snapshots, newest first.
	List(ctx context.Context, docID string, page, limit int) (*VersionPage, error)
}

// SaveContent is the single persistence event: overwrite the canonical
// content, then append a snapshot of exactly that content.
func SaveContent(ctx context.Context, docs DocumentStore, versions VersionStore, docID, content, savedBy string) (*Version, error) {
	if err := docs.UpdateContent(ctx, docID, content); err != nil {
		return nil, fmt.Errorf("save document %s: %w", docID, err)
	}
	v, err := versions.Append(ctx, docID, content, savedBy)
	if err != nil {
		return nil, fmt.Errorf("snapshot document %s: %w", docID, err)
	}
	return v, nil
}
