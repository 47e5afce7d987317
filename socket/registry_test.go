package socket

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"naskahsync/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id   string
	user string
	fail bool

	mu     sync.Mutex
	frames []string
	closed bool
}

func newFakeConn(id, user string) *fakeConn {
	return &fakeConn{id: id, user: user}
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.user }

func (f *fakeConn) Send(payload []byte) error {
	if f.fail {
		return errors.New("write: broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(payload))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func TestRegistryJoinLeaveLifecycle(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("c1", "alice")
	b := newFakeConn("c2", "bob")

	r.Join("doc-1", a, store.RoleOwner)
	r.Join("doc-1", b, store.RoleEditor)
	assert.Equal(t, 1, r.Rooms())
	assert.Equal(t, 2, r.Size("doc-1"))

	docID, ok := r.Leave(a)
	require.True(t, ok)
	assert.Equal(t, "doc-1", docID)
	assert.Equal(t, 1, r.Size("doc-1"))

	_, ok = r.Leave(a)
	assert.False(t, ok, "leaving twice is a no-op")

	r.Leave(b)
	assert.Equal(t, 0, r.Rooms(), "empty room is discarded")
	assert.Nil(t, r.Members("doc-1"))
}

func TestRegistryJoinMovesConnection(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("c1", "alice")

	r.Join("doc-1", a, store.RoleOwner)
	r.Join("doc-2", a, store.RoleViewer)

	room, ok := r.RoomOf(a)
	require.True(t, ok)
	assert.Equal(t, "doc-2", room)
	assert.Equal(t, 0, r.Size("doc-1"))
	assert.Equal(t, 1, r.Rooms())
	assert.Equal(t, []Member{{Conn: a, Role: store.RoleViewer}}, r.Members("doc-2"))
}

func TestRegistryBroadcastSkipsSenderAndSurvivesFailures(t *testing.T) {
	r := NewRegistry()
	sender := newFakeConn("c1", "alice")
	broken := newFakeConn("c2", "bob")
	broken.fail = true
	healthy := newFakeConn("c3", "carol")
	other := newFakeConn("c4", "dave")

	r.Join("doc-1", sender, store.RoleOwner)
	r.Join("doc-1", broken, store.RoleEditor)
	r.Join("doc-1", healthy, store.RoleViewer)
	r.Join("doc-2", other, store.RoleOwner)

	n := r.Broadcast("doc-1", sender, []byte("Hello"))
	assert.Equal(t, 1, n)
	assert.Empty(t, sender.received())
	assert.Equal(t, []string{"Hello"}, healthy.received())
	assert.Empty(t, other.received(), "rooms are isolated")

	assert.Equal(t, 0, r.Broadcast("no-such-doc", nil, []byte("x")))
	assert.Equal(t, 2, r.Broadcast("doc-1", nil, []byte("server")), "nil sender reaches every healthy member")
	assert.Equal(t, []string{"server"}, sender.received())
}

func TestRegistryBroadcastPreservesOrder(t *testing.T) {
	r := NewRegistry()
	sender := newFakeConn("c1", "alice")
	receiver := newFakeConn("c2", "bob")
	r.Join("doc-1", sender, store.RoleOwner)
	r.Join("doc-1", receiver, store.RoleEditor)

	var want []string
	for i := 0; i < 200; i++ {
		msg := fmt.Sprintf("edit-%03d", i)
		want = append(want, msg)
		r.Broadcast("doc-1", sender, []byte(msg))
	}
	assert.Equal(t, want, receiver.received())
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	const n = 64
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%02d", i), fmt.Sprintf("user-%02d", i))
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *fakeConn) {
			defer wg.Done()
			r.Join("doc-1", c, store.RoleEditor)
			if i%2 == 0 {
				r.Leave(c)
			}
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, n/2, r.Size("doc-1"), "no membership update is lost")

	for i, c := range conns {
		if i%2 == 1 {
			r.Leave(c)
		}
	}
	assert.Equal(t, 0, r.Rooms())
}

func TestRegistryMembersSorted(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", newFakeConn("c2", "bob"), store.RoleEditor)
	r.Join("doc-1", newFakeConn("c1", "alice"), store.RoleOwner)
	r.Join("doc-1", newFakeConn("c3", "alice"), store.RoleOwner)

	var got []string
	for _, m := range r.Members("doc-1") {
		got = append(got, m.Conn.UserID()+"/"+m.Conn.ID())
	}
	assert.Equal(t, []string{"alice/c1", "alice/c3", "bob/c2"}, got)
}
