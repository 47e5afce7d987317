package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process DocumentStore and VersionStore. It backs the
// "memory" store backend and the test suites; nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]*Document
	versions map[string][]Version // docID -> snapshots, oldest first
	byID     map[string]Version
	users    map[string]string // lower-cased email -> user id
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]*Document),
		versions: make(map[string][]Version),
		byID:     make(map[string]Version),
		users:    make(map[string]string),
		now:      time.Now,
	}
}

// AddUser registers an email so Share can resolve it.
func (m *Memory) AddUser(email, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(email)] = userID
}

func (m *Memory) Create(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := m.now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	m.docs[doc.ID] = cloneDocument(doc)
	return nil
}

func (m *Memory) Get(_ context.Context, docID string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *Memory) UpdateContent(_ context.Context, docID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return ErrNotFound
	}
	doc.Content = content
	doc.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateTitle(_ context.Context, docID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return ErrNotFound
	}
	doc.Title = title
	doc.UpdatedAt = m.now()
	return nil
}

// Delete removes the document together with its snapshots, mirroring the
// ON DELETE CASCADE of the Postgres schema.
func (m *Memory) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return ErrNotFound
	}
	delete(m.docs, docID)
	for _, v := range m.versions[docID] {
		delete(m.byID, v.ID)
	}
	delete(m.versions, docID)
	return nil
}

func (m *Memory) ListForUser(_ context.Context, userID string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []Document
	for _, doc := range m.docs {
		if doc.HasAccess(userID) {
			docs = append(docs, *cloneDocument(doc))
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (m *Memory) Share(_ context.Context, docID, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return ErrNotFound
	}
	if doc.OwnerID == userID {
		return ErrAlreadyOwner
	}
	for i := range doc.SharedWith {
		if doc.SharedWith[i].UserID == userID {
			doc.SharedWith[i].Role = role
			return nil
		}
	}
	doc.SharedWith = append(doc.SharedWith, Share{UserID: userID, Role: role})
	return nil
}

func (m *Memory) UserIDByEmail(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[strings.ToLower(email)]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// Append records a snapshot. CreatedAt is kept strictly increasing within a
// document even when the clock does not advance between two appends.
func (m *Memory) Append(_ context.Context, docID, content, savedBy string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return nil, ErrNotFound
	}
	createdAt := m.now()
	if seq := m.versions[docID]; len(seq) > 0 {
		if last := seq[len(seq)-1].CreatedAt; !createdAt.After(last) {
			createdAt = last.Add(time.Microsecond)
		}
	}
	v := Version{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Content:    content,
		SavedBy:    savedBy,
		CreatedAt:  createdAt,
	}
	m.versions[docID] = append(m.versions[docID], v)
	m.byID[v.ID] = v
	return &v, nil
}

func (m *Memory) GetVersion(_ context.Context, versionID string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byID[versionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) List(_ context.Context, docID string, page, limit int) (*VersionPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.versions[docID]
	result := &VersionPage{
		Versions:    []Version{},
		CurrentPage: page,
		TotalPages:  TotalPages(len(seq), limit),
	}
	// Past the last page the offset could overflow, so stop before computing it.
	if page < 1 || limit < 1 || page > result.TotalPages {
		return result, nil
	}
	start := (page - 1) * limit
	for i := len(seq) - 1 - start; i >= 0 && len(result.Versions) < limit; i-- {
		result.Versions = append(result.Versions, seq[i])
	}
	return result, nil
}

func cloneDocument(doc *Document) *Document {
	c := *doc
	c.SharedWith = append([]Share(nil), doc.SharedWith...)
	return &c
}
