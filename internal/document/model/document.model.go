package model

import (
	"time"

	"naskahsync/store"
)

type CreateDocRequest struct {
	Title string `json:"title"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type UpdateDocRequest struct {
	Title string `json:"title"`
}

// DocumentMetadata is one row of the caller's document list.
type DocumentMetadata struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	UpdatedAt time.Time  `json:"updated_at"`
	Snippet   string     `json:"snippet"`
	IsOwner   bool       `json:"is_owner"`
	Role      store.Role `json:"role"`
}

// DocumentResponse is what a sync agent fetches on mount.
type DocumentResponse struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Content    string        `json:"content"`
	Owner      string        `json:"owner"`
	SharedWith []store.Share `json:"shared_with"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type SaveDocRequest struct {
	DocID   string `json:"document_id"`
	Content string `json:"content"`
}

type SaveDocResponse struct {
	VersionID string `json:"version_id"`
}

type ShareRequest struct {
	DocID string `json:"document_id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type VersionListResponse struct {
	Versions    []store.Version `json:"versions"`
	CurrentPage int             `json:"current_page"`
	TotalPages  int             `json:"total_pages"`
}

type RestoreRequest struct {
	VersionID string `json:"version_id"`
}

type RestoreResponse struct {
	DocID   string        `json:"document_id"`
	Content string        `json:"content"`
	Version store.Version `json:"version"`
}
