package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"naskahsync/internal/document/model"
	"naskahsync/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	DocID, UserID, Content string
}

type fakeHub struct {
	mu        sync.Mutex
	published []published
	removed   []string
}

func (h *fakeHub) Publish(docID, userID, content string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, published{docID, userID, content})
	return 1
}

func (h *fakeHub) RemoveDocument(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, docID)
}

func setup(t *testing.T) (*DocumentService, *store.Memory, *fakeHub, string) {
	t.Helper()
	mem := store.NewMemory()
	mem.AddUser("bob@example.com", "bob")
	mem.AddUser("carol@example.com", "carol")
	hub := &fakeHub{}
	svc := NewDocumentService(mem, mem, hub)

	ctx := context.Background()
	docID, err := svc.CreateDocument(ctx, "alice", "Notes")
	require.NoError(t, err)
	require.NoError(t, svc.ShareDocument(ctx, "alice", model.ShareRequest{DocID: docID, Email: "bob@example.com", Role: "editor"}))
	require.NoError(t, svc.ShareDocument(ctx, "alice", model.ShareRequest{DocID: docID, Email: "carol@example.com", Role: "viewer"}))
	return svc, mem, hub, docID
}

func TestCreateDocumentDefaults(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()

	docID, err := svc.CreateDocument(ctx, "alice", "   ")
	require.NoError(t, err)

	doc, err := svc.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "Untitled Document", doc.Title)
	assert.Equal(t, `{"ops":[]}`, doc.Content)
	assert.Equal(t, "alice", doc.Owner)
	assert.NotNil(t, doc.SharedWith)
}

func TestSaveDocumentPermissions(t *testing.T) {
	svc, mem, hub, docID := setup(t)
	ctx := context.Background()

	v, err := svc.SaveDocument(ctx, "bob", model.SaveDocRequest{DocID: docID, Content: "by bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", v.SavedBy)
	assert.Equal(t, []published{{docID, "bob", "by bob"}}, hub.published)

	_, err = svc.SaveDocument(ctx, "carol", model.SaveDocRequest{DocID: docID, Content: "by carol"})
	assert.ErrorIs(t, err, store.ErrForbidden)
	_, err = svc.SaveDocument(ctx, "mallory", model.SaveDocRequest{DocID: docID, Content: "x"})
	assert.ErrorIs(t, err, store.ErrForbidden)
	_, err = svc.SaveDocument(ctx, "alice", model.SaveDocRequest{DocID: "missing", Content: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	doc, err := mem.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "by bob", doc.Content)
	assert.Len(t, hub.published, 1)
}

func TestShareDocument(t *testing.T) {
	svc, mem, _, docID := setup(t)
	ctx := context.Background()

	err := svc.ShareDocument(ctx, "bob", model.ShareRequest{DocID: docID, Email: "carol@example.com", Role: "editor"})
	assert.ErrorIs(t, err, store.ErrForbidden, "only the owner shares")

	err = svc.ShareDocument(ctx, "alice", model.ShareRequest{DocID: docID, Email: "carol@example.com", Role: "owner"})
	assert.ErrorIs(t, err, store.ErrInvalidRole)

	err = svc.ShareDocument(ctx, "alice", model.ShareRequest{DocID: docID, Email: "nobody@example.com", Role: "viewer"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Promote carol; the grant is replaced rather than duplicated.
	require.NoError(t, svc.ShareDocument(ctx, "alice", model.ShareRequest{DocID: docID, Email: "CAROL@example.com", Role: "editor"}))
	doc, err := mem.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleEditor, doc.RoleOf("carol"))
	assert.Len(t, doc.SharedWith, 2)
}

func TestDeleteAndRenameAreOwnerOnly(t *testing.T) {
	svc, _, hub, docID := setup(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.UpdateTitle(ctx, docID, "bob", "Hijacked"), store.ErrForbidden)
	require.NoError(t, svc.UpdateTitle(ctx, docID, "alice", "Renamed"))
	doc, err := svc.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", doc.Title)

	assert.ErrorIs(t, svc.DeleteDocument(ctx, docID, "bob"), store.ErrForbidden)
	assert.Empty(t, hub.removed)
	require.NoError(t, svc.DeleteDocument(ctx, docID, "alice"))
	assert.Equal(t, []string{docID}, hub.removed)

	_, err = svc.GetDocument(ctx, docID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetDocumentsSnippetAndRole(t *testing.T) {
	svc, _, _, docID := setup(t)
	ctx := context.Background()
	_, err := svc.SaveDocument(ctx, "alice", model.SaveDocRequest{DocID: docID, Content: `{"ops":[{"insert":"Hello\n"},{"insert":{"image":"x.png"}},{"insert":"World"}]}`})
	require.NoError(t, err)

	docs, err := svc.GetDocuments(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Hello World", docs[0].Snippet)
	assert.False(t, docs[0].IsOwner)
	assert.Equal(t, store.RoleViewer, docs[0].Role)

	docs, err = svc.GetDocuments(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].IsOwner)
	assert.Equal(t, store.RoleOwner, docs[0].Role)
}

func TestGetSnippetFromContent(t *testing.T) {
	assert.Equal(t, "", getSnippetFromContent(`{"ops":[]}`))
	assert.Equal(t, "plain text", getSnippetFromContent("plain text\n"))

	long := make([]rune, 150)
	for i := range long {
		long[i] = 'é'
	}
	got := getSnippetFromContent(string(long))
	assert.Equal(t, string(long[:100])+"...", got)
}

func TestListVersionsPagination(t *testing.T) {
	svc, _, _, docID := setup(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		_, err := svc.SaveDocument(ctx, "alice", model.SaveDocRequest{DocID: docID, Content: fmt.Sprintf("rev %d", i)})
		require.NoError(t, err)
	}

	page, err := svc.ListVersions(ctx, docID, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, page.CurrentPage)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Versions, 2)
	assert.Equal(t, "rev 2", page.Versions[0].Content)
	assert.Equal(t, "rev 1", page.Versions[1].Content)

	// Defaults: page 1, limit 10.
	page, err = svc.ListVersions(ctx, docID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, page.Versions, 7)
	assert.Equal(t, "rev 7", page.Versions[0].Content)

	_, err = svc.ListVersions(ctx, "missing", 1, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreVersionAppendsSnapshot(t *testing.T) {
	svc, mem, hub, docID := setup(t)
	ctx := context.Background()

	first, err := svc.SaveDocument(ctx, "alice", model.SaveDocRequest{DocID: docID, Content: "first"})
	require.NoError(t, err)
	_, err = svc.SaveDocument(ctx, "alice", model.SaveDocRequest{DocID: docID, Content: "second"})
	require.NoError(t, err)

	_, err = svc.RestoreVersion(ctx, "carol", first.ID)
	assert.ErrorIs(t, err, store.ErrForbidden)
	_, err = svc.RestoreVersion(ctx, "bob", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp, err := svc.RestoreVersion(ctx, "bob", first.ID)
	require.NoError(t, err)
	assert.Equal(t, docID, resp.DocID)
	assert.Equal(t, "first", resp.Content)
	assert.Equal(t, "bob", resp.Version.SavedBy)
	assert.NotEqual(t, first.ID, resp.Version.ID)

	doc, err := mem.Get(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Content)

	page, err := svc.ListVersions(ctx, docID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Versions, 3, "restore appends, it never rewrites history")
	assert.Equal(t, "first", page.Versions[0].Content)
	assert.Equal(t, "second", page.Versions[1].Content)

	old, err := mem.GetVersion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", old.SavedBy)

	last := hub.published[len(hub.published)-1]
	assert.Equal(t, published{docID, "bob", "first"}, last)
}
