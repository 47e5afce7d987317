package socket

import (
	"sort"
	"sync"

	"naskahsync/pkg/logger"
	"naskahsync/store"
)

// Connection is a live participant the registry can deliver frames to.
// Send must not block.
type Connection interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close() error
}

type Member struct {
	Conn Connection
	Role store.Role
}

type room struct {
	// mu is held for the whole of a broadcast, so frames in one room reach
	// every member's queue in the order Broadcast was called.
	mu      sync.Mutex
	members map[Connection]store.Role
}

// Registry maps document ids to the connections currently in their room.
// A room exists only while it has at least one member. The registry performs
// no authorization; callers decide the role before calling Join.
type Registry struct {
	mu       sync.Mutex // guards rooms and memberOf; taken before any room.mu
	rooms    map[string]*room
	memberOf map[Connection]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		memberOf: make(map[Connection]string),
	}
}

// Join adds conn to the room for docID, creating the room if needed. A
// connection belongs to one room at a time; joining another room moves it.
func (r *Registry) Join(docID string, conn Connection, role store.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.memberOf[conn]; ok && prev != docID {
		r.removeLocked(conn, prev)
	}

	rm, ok := r.rooms[docID]
	if !ok {
		rm = &room{members: make(map[Connection]store.Role)}
		r.rooms[docID] = rm
		logger.Sugar.Infof("Opened room for doc %s", docID)
	}
	rm.mu.Lock()
	rm.members[conn] = role
	rm.mu.Unlock()
	r.memberOf[conn] = docID
}

// Leave removes conn from its room and discards the room once it is empty.
// It returns the document id the connection was in.
func (r *Registry) Leave(conn Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	docID, ok := r.memberOf[conn]
	if !ok {
		return "", false
	}
	r.removeLocked(conn, docID)
	return docID, true
}

func (r *Registry) removeLocked(conn Connection, docID string) {
	delete(r.memberOf, conn)
	rm, ok := r.rooms[docID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, conn)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		delete(r.rooms, docID)
		logger.Sugar.Infof("Closed and cleaned up empty room: %s", docID)
	}
}

// Broadcast delivers payload to every member of the room except sender and
// returns how many queues accepted it. A failed delivery is logged and does
// not stop delivery to the others.
func (r *Registry) Broadcast(docID string, sender Connection, payload []byte) int {
	r.mu.Lock()
	rm, ok := r.rooms[docID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	rm.mu.Lock()
	r.mu.Unlock()
	defer rm.mu.Unlock()

	delivered := 0
	for conn := range rm.members {
		if sender != nil && conn == sender {
			continue
		}
		if err := conn.Send(payload); err != nil {
			logger.Sugar.Warnf("Dropped frame for user %s (conn %s) in doc %s: %v", conn.UserID(), conn.ID(), docID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns a snapshot of the room ordered by user id, then connection id.
func (r *Registry) Members(docID string) []Member {
	r.mu.Lock()
	rm, ok := r.rooms[docID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rm.mu.Lock()
	r.mu.Unlock()
	members := make([]Member, 0, len(rm.members))
	for conn, role := range rm.members {
		members = append(members, Member{Conn: conn, Role: role})
	}
	rm.mu.Unlock()

	sort.Slice(members, func(i, j int) bool {
		a, b := members[i].Conn, members[j].Conn
		if a.UserID() != b.UserID() {
			return a.UserID() < b.UserID()
		}
		return a.ID() < b.ID()
	})
	return members
}

func (r *Registry) RoomOf(conn Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	docID, ok := r.memberOf[conn]
	return docID, ok
}

// Size is the number of connections in the room for docID.
func (r *Registry) Size(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[docID]
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Rooms is the number of open rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
