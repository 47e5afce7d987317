package store

import "time"

// Role is the access level a user holds on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may send changes and save.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// ParseShareRole validates a role that can be granted through sharing.
// Ownership is never granted this way.
func ParseShareRole(s string) (Role, error) {
	switch Role(s) {
	case RoleEditor, RoleViewer:
		return Role(s), nil
	}
	return "", ErrInvalidRole
}

type Share struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"` // rich-text encoded, usually a Quill delta
	OwnerID    string    `json:"owner_id"`
	SharedWith []Share   `json:"shared_with"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RoleOf derives the role of userID on the document: owner when the owner id
// matches, otherwise the grant recorded in SharedWith, defaulting to viewer.
func (d *Document) RoleOf(userID string) Role {
	if d.OwnerID == userID {
		return RoleOwner
	}
	for _, s := range d.SharedWith {
		if s.UserID == userID {
			return s.Role
		}
	}
	return RoleViewer
}

// HasAccess reports whether userID is the owner or holds an explicit grant.
func (d *Document) HasAccess(userID string) bool {
	if d.OwnerID == userID {
		return true
	}
	for _, s := range d.SharedWith {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// Version is an immutable full copy of a document's content.
type Version struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	SavedBy    string    `json:"saved_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// VersionPage is one page of a newest-first version listing.
type VersionPage struct {
	Versions    []Version `json:"versions"`
	CurrentPage int       `json:"current_page"`
	TotalPages  int       `json:"total_pages"`
}

// TotalPages returns the number of pages needed to hold total items.
func TotalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total-1)/limit + 1
}
