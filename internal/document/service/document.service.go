package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"naskahsync/internal/document/model"
	"naskahsync/pkg/logger"
	"naskahsync/store"
)

const (
	DefaultVersionLimit = 10
	MaxVersionLimit     = 100

	untitled = "Untitled Document"
	// New documents start as an empty Quill delta.
	emptyContent = `{"ops":[]}`
)

// Publisher is the slice of the sync gateway the REST surface needs.
type Publisher interface {
	Publish(docID, userID, content string) int
	RemoveDocument(docID string)
}

type DocumentService struct {
	Docs     store.DocumentStore
	Versions store.VersionStore
	Hub      Publisher
}

func NewDocumentService(docs store.DocumentStore, versions store.VersionStore, hub Publisher) *DocumentService {
	return &DocumentService{Docs: docs, Versions: versions, Hub: hub}
}

func (s *DocumentService) CreateDocument(ctx context.Context, userID, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = untitled
	}
	doc := &store.Document{Title: title, Content: emptyContent, OwnerID: userID}
	if err := s.Docs.Create(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// GetDocument returns the canonical content and sharing metadata. Like the
// gateway, it lets any authenticated user read; the caller's role only
// decides whether they may write.
func (s *DocumentService) GetDocument(ctx context.Context, docID string) (*model.DocumentResponse, error) {
	doc, err := s.Docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &model.DocumentResponse{
		ID:         doc.ID,
		Title:      doc.Title,
		Content:    doc.Content,
		Owner:      doc.OwnerID,
		SharedWith: nonNilShares(doc.SharedWith),
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// SaveDocument overwrites the canonical content, appends a snapshot and
// relays the content to everyone in the document's room.
func (s *DocumentService) SaveDocument(ctx context.Context, userID string, req model.SaveDocRequest) (*store.Version, error) {
	if _, err := s.requireEditor(ctx, req.DocID, userID); err != nil {
		return nil, err
	}
	v, err := store.SaveContent(ctx, s.Docs, s.Versions, req.DocID, req.Content, userID)
	if err != nil {
		return nil, err
	}
	s.Hub.Publish(req.DocID, userID, req.Content)
	return v, nil
}

func (s *DocumentService) DeleteDocument(ctx context.Context, docID, userID string) error {
	if _, err := s.requireOwner(ctx, docID, userID); err != nil {
		return err
	}
	if err := s.Docs.Delete(ctx, docID); err != nil {
		return err
	}
	s.Hub.RemoveDocument(docID)
	return nil
}

func (s *DocumentService) UpdateTitle(ctx context.Context, docID, userID, title string) error {
	if _, err := s.requireOwner(ctx, docID, userID); err != nil {
		return err
	}
	return s.Docs.UpdateTitle(ctx, docID, title)
}

func (s *DocumentService) ShareDocument(ctx context.Context, userID string, req model.ShareRequest) error {
	role, err := store.ParseShareRole(req.Role)
	if err != nil {
		return err
	}
	if _, err := s.requireOwner(ctx, req.DocID, userID); err != nil {
		return err
	}
	targetUserID, err := s.Docs.UserIDByEmail(ctx, req.Email)
	if err != nil {
		return fmt.Errorf("user with email %s: %w", req.Email, err)
	}
	return s.Docs.Share(ctx, req.DocID, targetUserID, role)
}

func (s *DocumentService) GetDocuments(ctx context.Context, userID string) ([]model.DocumentMetadata, error) {
	docs, err := s.Docs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.DocumentMetadata, 0, len(docs))
	for i := range docs {
		doc := &docs[i]
		out = append(out, model.DocumentMetadata{
			ID:        doc.ID,
			Title:     doc.Title,
			UpdatedAt: doc.UpdatedAt,
			Snippet:   getSnippetFromContent(doc.Content),
			IsOwner:   doc.OwnerID == userID,
			Role:      doc.RoleOf(userID),
		})
	}
	return out, nil
}

// ListVersions pages through a document's snapshots, newest first. page and
// limit are clamped to sane values.
func (s *DocumentService) ListVersions(ctx context.Context, docID string, page, limit int) (*store.VersionPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultVersionLimit
	}
	if limit > MaxVersionLimit {
		limit = MaxVersionLimit
	}
	if _, err := s.Docs.Get(ctx, docID); err != nil {
		return nil, err
	}
	return s.Versions.List(ctx, docID, page, limit)
}

// RestoreVersion copies a snapshot's content back as a new save. History is
// never rewound: the restore itself becomes the newest snapshot.
func (s *DocumentService) RestoreVersion(ctx context.Context, userID, versionID string) (*model.RestoreResponse, error) {
	old, err := s.Versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireEditor(ctx, old.DocumentID, userID); err != nil {
		return nil, err
	}

	v, err := store.SaveContent(ctx, s.Docs, s.Versions, old.DocumentID, old.Content, userID)
	if err != nil {
		return nil, err
	}
	n := s.Hub.Publish(old.DocumentID, userID, old.Content)
	logger.Sugar.Infof("User %s restored version %s of doc %s (%d live clients updated)", userID, versionID, old.DocumentID, n)

	return &model.RestoreResponse{DocID: old.DocumentID, Content: old.Content, Version: *v}, nil
}

func (s *DocumentService) requireEditor(ctx context.Context, docID, userID string) (*store.Document, error) {
	doc, err := s.Docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !doc.RoleOf(userID).CanEdit() {
		return nil, fmt.Errorf("only owners and editors can write: %w", store.ErrForbidden)
	}
	return doc, nil
}

func (s *DocumentService) requireOwner(ctx context.Context, docID, userID string) (*store.Document, error) {
	doc, err := s.Docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != userID {
		return nil, fmt.Errorf("only the owner can do this: %w", store.ErrForbidden)
	}
	return doc, nil
}

func nonNilShares(shares []store.Share) []store.Share {
	if shares == nil {
		return []store.Share{}
	}
	return shares
}

// getSnippetFromContent extracts up to 100 characters of plain text. Content
// is usually a Quill delta; anything else is treated as plain text.
func getSnippetFromContent(content string) string {
	type QuillOp struct {
		Insert interface{} `json:"insert"`
	}
	type QuillDelta struct {
		Ops []QuillOp `json:"ops"`
	}

	var sb strings.Builder
	var delta QuillDelta
	if err := json.Unmarshal([]byte(content), &delta); err == nil {
		for _, op := range delta.Ops {
			if str, ok := op.Insert.(string); ok {
				sb.WriteString(str)
			}
			if sb.Len() > 100 {
				break
			}
		}
	} else {
		sb.WriteString(content)
	}

	res := strings.TrimSpace(sb.String())
	res = strings.ReplaceAll(res, "\n", " ")
	if r := []rune(res); len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return res
}
