package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"naskahsync/pkg/logger"
	"naskahsync/store"
)

var (
	ErrNotInRoom   = errors.New("connection has not joined this document")
	ErrUnknownType = errors.New("unknown message type")
)

type Options struct {
	// AutosaveInterval is the period of the per-connection autosave timer.
	// The timer is deduplicated: a tick persists the latest draft only when
	// it holds edits no save has claimed yet, so an idle editor produces no
	// snapshots. Zero disables it; drafts are then persisted only on
	// explicit save and on disconnect.
	AutosaveInterval time.Duration
	// PersistTimeout bounds every store call the gateway makes.
	PersistTimeout time.Duration
}

// Gateway terminates real-time connections and implements the sync
// protocol: join-document, send-changes and save-document.
//
// Content is relayed verbatim with no merging. When two editors send within
// the same propagation window, whichever frame reaches a client last is
// what that client shows, and the other edit is lost. That is the accepted
// contract, not a bug.
type Gateway struct {
	registry *Registry
	docs     store.DocumentStore
	versions store.VersionStore
	opts     Options

	mu      sync.Mutex
	clients map[*Client]struct{}

	// writes counts persistence calls that have been dispatched and not
	// finished. Closing a connection never cancels them.
	writes atomic.Int64
}

func NewGateway(registry *Registry, docs store.DocumentStore, versions store.VersionStore, opts Options) *Gateway {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Gateway{
		registry: registry,
		docs:     docs,
		versions: versions,
		opts:     opts,
		clients:  make(map[*Client]struct{}),
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) track(c *Client) {
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// HandleMessage dispatches one inbound frame. Frames from a single
// connection are handled in the order they were read.
func (g *Gateway) HandleMessage(c *Client, msg WSMessage) {
	switch msg.Type {
	case JoinDocumentType:
		if err := g.Join(c, msg.DocID); err != nil {
			logger.Sugar.Warnf("User %s could not join doc %s: %v", c.userID, msg.DocID, err)
			c.sendError(msg.DocID, msg.RequestID, err)
		}
	case SendChangesType:
		g.sendChanges(c, msg)
	case SaveDocumentType:
		g.saveDocument(c, msg)
	default:
		c.sendError(msg.DocID, msg.RequestID, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type))
	}
}

// Join resolves the caller's role on docID and adds the connection to the
// room. A connection already in another room is flushed out of it first.
func (g *Gateway) Join(c *Client, docID string) error {
	if docID == "" {
		return errors.New("missing document_id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.PersistTimeout)
	doc, err := g.docs.Get(ctx, docID)
	cancel()
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	role := doc.RoleOf(c.userID)

	if prev, _ := c.binding(); prev != "" && prev != docID {
		g.leave(c)
	}

	c.bind(docID, role)
	g.registry.Join(docID, c, role)
	if role.CanEdit() && g.opts.AutosaveInterval > 0 {
		g.startAutosave(c, docID)
	} else {
		c.cancelAutosave()
	}

	logger.Sugar.Infof("User %s joined doc %s as %s", c.userID, docID, role)
	g.broadcastPresence(docID)
	return nil
}

// authorize checks that the sender is in the room named by the frame and may
// edit it. Rejections happen before any broadcast or write.
func (g *Gateway) authorize(c *Client, msg WSMessage) (string, bool) {
	docID, role := c.binding()
	room, inRoom := g.registry.RoomOf(c)
	if !inRoom || room != docID || (msg.DocID != "" && msg.DocID != docID) {
		c.sendError(msg.DocID, msg.RequestID, ErrNotInRoom)
		return "", false
	}
	if !role.CanEdit() {
		logger.Sugar.Warnf("Permission Denied: User %s (Role: %s) tried %s on doc %s", c.userID, role, msg.Type, docID)
		c.sendError(docID, msg.RequestID, store.ErrForbidden)
		return "", false
	}
	return docID, true
}

func (g *Gateway) sendChanges(c *Client, msg WSMessage) {
	docID, ok := g.authorize(c, msg)
	if !ok {
		return
	}
	var p ChangesPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(docID, msg.RequestID, errors.New("invalid send-changes payload"))
		return
	}

	c.recordDraft(p.Content)

	frame, err := Encode(ReceiveChangesType, docID, c.userID, "", ChangesPayload{Content: p.Content})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return
	}
	g.registry.Broadcast(docID, c, frame)
}

func (g *Gateway) saveDocument(c *Client, msg WSMessage) {
	docID, ok := g.authorize(c, msg)
	if !ok {
		return
	}
	var p SavePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(docID, msg.RequestID, errors.New("invalid save-document payload"))
		return
	}

	// The draft is handed to this save now, so the autosave timer and the
	// disconnect flush will not write it a second time.
	c.markSaving(p.Content)

	queued := g.enqueue(c, func() {
		result := SaveResult{OK: true}
		v, err := g.persist(c, docID, p.Content)
		if err != nil {
			logger.Sugar.Errorf("Failed to save doc %s for user %s: %v", docID, c.userID, err)
			result = SaveResult{Error: err.Error()}
		} else {
			result.VersionID = v.ID
		}

		frame, err := Encode(SaveResultType, docID, c.userID, msg.RequestID, result)
		if err != nil {
			logger.Sugar.Errorf("Error marshalling save result: %v", err)
			return
		}
		if err := c.Send(frame); err != nil {
			logger.Sugar.Infof("Save of doc %s finished after user %s left: %v", docID, c.userID, err)
		}
	})
	if !queued {
		c.sendError(docID, msg.RequestID, errClientClosed)
	}
}

// enqueue hands job to c's persistence writer and counts it as in flight
// until it has run.
func (g *Gateway) enqueue(c *Client, job func()) bool {
	g.writes.Add(1)
	ok := c.queueSave(func() {
		defer g.writes.Add(-1)
		job()
	})
	if !ok {
		g.writes.Add(-1)
	}
	return ok
}

// persist runs one bounded persistence event on behalf of c. It is only
// called from c's persistence writer.
func (g *Gateway) persist(c *Client, docID, content string) (*store.Version, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.PersistTimeout)
	defer cancel()
	return store.SaveContent(ctx, g.docs, g.versions, docID, content, c.userID)
}

func (g *Gateway) startAutosave(c *Client, docID string) {
	stop := make(chan struct{})
	c.setAutosaveStop(stop)

	go func() {
		ticker := time.NewTicker(g.opts.AutosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case <-ticker.C:
				content, ok := c.takePending()
				if !ok {
					continue
				}
				g.enqueue(c, func() {
					if _, err := g.persist(c, docID, content); err != nil {
						logger.Sugar.Errorf("Failed to auto-save doc %s: %v", docID, err)
						c.restorePending(content)
					} else {
						logger.Sugar.Infof("Auto-saved document: %s", docID)
					}
				})
			}
		}
	}()
}

// Disconnect runs the ordered shutdown of a connection: stop the autosave
// timer, flush a pending draft, then leave the room.
func (g *Gateway) Disconnect(c *Client) {
	c.cancelAutosave()
	if docID, _ := c.binding(); docID != "" {
		g.leave(c)
	}
	// Saves already queued still run; nothing new is accepted.
	c.closeSaves()
	g.untrack(c)
}

// leave flushes an editor's unsaved draft once, best effort, and removes the
// connection from its room. Flush failures are logged, never retried.
func (g *Gateway) leave(c *Client) {
	docID, role := c.binding()
	if role.CanEdit() {
		if content, ok := c.takePending(); ok {
			// Queued behind any save still in flight, then awaited, so the
			// flush is the last write this connection makes to the room.
			flushed := make(chan struct{})
			queued := g.enqueue(c, func() {
				defer close(flushed)
				if _, err := g.persist(c, docID, content); err != nil {
					logger.Sugar.Errorf("Failed to save doc %s on close for user %s: %v", docID, c.userID, err)
				} else {
					logger.Sugar.Infof("Flushed draft of user %s for doc %s", c.userID, docID)
				}
			})
			if queued {
				<-flushed
			}
		}
	}

	g.registry.Leave(c)
	c.unbind()
	logger.Sugar.Infof("User %s left doc %s", c.userID, docID)
	g.broadcastPresence(docID)
}

// Publish relays server-originated content (REST save, restore) to every
// member of the room as a receive-changes frame.
func (g *Gateway) Publish(docID, userID, content string) int {
	frame, err := Encode(ReceiveChangesType, docID, userID, "", ChangesPayload{Content: content})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return 0
	}
	return g.registry.Broadcast(docID, nil, frame)
}

// RemoveDocument disconnects everyone in a deleted document's room. Their
// pending drafts are dropped so nothing is written back.
func (g *Gateway) RemoveDocument(docID string) {
	for _, m := range g.registry.Members(docID) {
		if c, ok := m.Conn.(*Client); ok {
			c.discardPending()
		}
		m.Conn.Close()
	}
}

func (g *Gateway) broadcastPresence(docID string) {
	members := g.registry.Members(docID)
	if len(members) == 0 {
		return
	}
	entries := make([]PresenceEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, PresenceEntry{UserID: m.Conn.UserID(), Role: m.Role})
	}
	frame, err := Encode(PresenceUpdateType, docID, "", "", entries)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence broadcast: %v", err)
		return
	}
	g.registry.Broadcast(docID, nil, frame)
}

// Idle blocks until no dispatched persistence write is in flight.
func (g *Gateway) Idle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.writes.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown closes every connection, lets each one run its disconnect flush,
// and waits for all persistence writes to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		g.mu.Lock()
		remaining := len(g.clients)
		g.mu.Unlock()
		if remaining == 0 {
			return g.Idle(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
