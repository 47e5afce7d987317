// Package syncagent is the client side of the sync protocol: it keeps one
// user's draft of one document in step with the gateway.
package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"naskahsync/internal/document/model"
	"naskahsync/pkg/logger"
	"naskahsync/socket"
	"naskahsync/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// closeGrace bounds how long Unmount waits for the server to acknowledge
	// the close frame.
	closeGrace = 2 * time.Second
)

var (
	ErrReadOnly   = errors.New("document is read-only for this user")
	ErrNotMounted = errors.New("agent is not mounted")
	ErrSaveFailed = errors.New("save failed")

	errConnectionClosed = errors.New("connection closed")
)

type Config struct {
	// BaseURL is the server root, e.g. "https://api.example.com".
	BaseURL string
	Token   string
	DocID   string
	UserID  string

	// OnRemoteChange is called after a remote receive-changes has replaced
	// the draft. It must not call LocalEdit.
	OnRemoteChange func(content string)
	// OnError receives error frames that are not tied to a pending request.
	OnError func(err error)

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

type outcome struct {
	versionID string
	err       error
}

// Agent is safe for concurrent use.
type Agent struct {
	cfg    Config
	client *http.Client
	dialer *websocket.Dialer

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{} // closed when the current read loop exits
	mounted  bool
	title    string
	role     store.Role
	draft    string
	dirty    bool
	presence []socket.PresenceEntry
	pending  map[string]chan outcome
	joinReq  string
}

func New(cfg Config) *Agent {
	a := &Agent{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		dialer:  cfg.Dialer,
		pending: make(map[string]chan outcome),
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: 30 * time.Second}
	}
	if a.dialer == nil {
		a.dialer = websocket.DefaultDialer
	}
	return a
}

// Mount fetches the canonical content, derives the caller's role, then
// connects and joins the document room. It returns once the join is
// confirmed by the server.
func (a *Agent) Mount(ctx context.Context) error {
	var doc model.DocumentResponse
	if err := a.doJSON(ctx, http.MethodGet, "/api/documents/get?docId="+url.QueryEscape(a.cfg.DocID), nil, &doc); err != nil {
		return fmt.Errorf("fetch document %s: %w", a.cfg.DocID, err)
	}
	meta := store.Document{OwnerID: doc.Owner, SharedWith: doc.SharedWith}

	a.mu.Lock()
	if a.mounted {
		a.mu.Unlock()
		return errors.New("agent is already mounted")
	}
	a.title = doc.Title
	a.draft = doc.Content
	a.dirty = false
	a.role = meta.RoleOf(a.cfg.UserID)
	a.mu.Unlock()

	if err := a.connect(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.mounted = true
	a.mu.Unlock()
	logger.Sugar.Debugf("Agent for user %s mounted doc %s as %s", a.cfg.UserID, a.cfg.DocID, a.Role())
	return nil
}

// connect dials the gateway, starts the read loop and waits for the join to
// be confirmed by a presence-update (or rejected by an error frame).
func (a *Agent) connect(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}

	reqID := uuid.NewString()
	ch := make(chan outcome, 1)
	done := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.done = done
	a.pending[reqID] = ch
	a.joinReq = reqID
	a.mu.Unlock()

	go a.readLoop(conn, done)

	if err := a.send(conn, socket.JoinDocumentType, reqID, nil); err != nil {
		a.dropPending(reqID)
		conn.Close()
		return fmt.Errorf("join document %s: %w", a.cfg.DocID, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			conn.Close()
			return fmt.Errorf("join document %s: %w", a.cfg.DocID, res.err)
		}
		return nil
	case <-ctx.Done():
		a.dropPending(reqID)
		conn.Close()
		return ctx.Err()
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)
	conn, resp, err := a.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (a *Agent) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		a.failPending(errConnectionClosed)
		close(done)
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Sugar.Debugf("Agent read loop for doc %s ended: %v", a.cfg.DocID, err)
			}
			return
		}
		var msg socket.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Sugar.Warnf("Agent received malformed frame: %v", err)
			continue
		}
		a.handle(msg)
	}
}

func (a *Agent) handle(msg socket.WSMessage) {
	switch msg.Type {
	case socket.ReceiveChangesType:
		var p socket.ChangesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logger.Sugar.Warnf("Agent received malformed receive-changes: %v", err)
			return
		}
		// Remote content replaces the draft wholesale and is never echoed.
		a.mu.Lock()
		a.draft = p.Content
		a.dirty = false
		a.mu.Unlock()
		if a.cfg.OnRemoteChange != nil {
			a.cfg.OnRemoteChange(p.Content)
		}

	case socket.SaveResultType:
		var res socket.SaveResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			a.resolve(msg.RequestID, outcome{err: fmt.Errorf("%w: malformed result", ErrSaveFailed)})
			return
		}
		if !res.OK {
			a.resolve(msg.RequestID, outcome{err: fmt.Errorf("%w: %s", ErrSaveFailed, res.Error)})
			return
		}
		a.resolve(msg.RequestID, outcome{versionID: res.VersionID})

	case socket.PresenceUpdateType:
		var entries []socket.PresenceEntry
		if err := json.Unmarshal(msg.Payload, &entries); err != nil {
			return
		}
		a.mu.Lock()
		a.presence = entries
		joinReq := a.joinReq
		a.joinReq = ""
		a.mu.Unlock()
		if joinReq != "" {
			a.resolve(joinReq, outcome{})
		}

	case socket.ErrorType:
		var p socket.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &p)
		err := remoteError(p.Error)
		if msg.RequestID != "" && a.resolve(msg.RequestID, outcome{err: err}) {
			return
		}
		logger.Sugar.Warnf("Agent for user %s got error on doc %s: %v", a.cfg.UserID, msg.DocID, err)
		if a.cfg.OnError != nil {
			a.cfg.OnError(err)
		}
	}
}

// remoteError turns a server error string back into a store sentinel where
// one matches.
func remoteError(msg string) error {
	for _, sentinel := range []error{store.ErrForbidden, store.ErrNotFound} {
		if strings.HasSuffix(msg, sentinel.Error()) {
			return fmt.Errorf("server: %s: %w", msg, sentinel)
		}
	}
	return fmt.Errorf("server: %s", msg)
}

// resolve hands res to the waiter registered under reqID, if any.
func (a *Agent) resolve(reqID string, res outcome) bool {
	if reqID == "" {
		return false
	}
	a.mu.Lock()
	ch, ok := a.pending[reqID]
	delete(a.pending, reqID)
	if a.joinReq == reqID {
		a.joinReq = ""
	}
	a.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

func (a *Agent) dropPending(reqID string) {
	a.mu.Lock()
	delete(a.pending, reqID)
	a.mu.Unlock()
}

func (a *Agent) failPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan outcome)
	a.joinReq = ""
	a.mu.Unlock()
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

func (a *Agent) send(conn *websocket.Conn, msgType, requestID string, payload interface{}) error {
	raw, err := socket.Encode(msgType, a.cfg.DocID, a.cfg.UserID, requestID, payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// session returns the live connection, or ErrNotMounted.
func (a *Agent) session() (*websocket.Conn, chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.mounted || a.conn == nil {
		return nil, nil, ErrNotMounted
	}
	return a.conn, a.done, nil
}

// LocalEdit records direct user input and broadcasts it. The draft keeps the
// edit even when the send fails so Reconnect can deliver it later.
func (a *Agent) LocalEdit(content string) error {
	conn, _, err := a.session()
	if err != nil {
		return err
	}
	a.mu.Lock()
	if !a.role.CanEdit() {
		a.mu.Unlock()
		return ErrReadOnly
	}
	a.draft = content
	a.dirty = true
	a.mu.Unlock()

	if err := a.send(conn, socket.SendChangesType, "", socket.ChangesPayload{Content: content}); err != nil {
		return fmt.Errorf("send changes: %w", err)
	}
	return nil
}

// Save persists the current draft and waits for the server's verdict. It
// returns the id of the new version.
func (a *Agent) Save(ctx context.Context) (string, error) {
	conn, done, err := a.session()
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	if !a.role.CanEdit() {
		a.mu.Unlock()
		return "", ErrReadOnly
	}
	content := a.draft
	reqID := uuid.NewString()
	ch := make(chan outcome, 1)
	a.pending[reqID] = ch
	a.mu.Unlock()

	if err := a.send(conn, socket.SaveDocumentType, reqID, socket.SavePayload{Content: content, SavedBy: a.cfg.UserID}); err != nil {
		a.dropPending(reqID)
		return "", fmt.Errorf("save document: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}
		a.mu.Lock()
		if a.draft == content {
			a.dirty = false
		}
		a.mu.Unlock()
		return res.versionID, nil
	case <-done:
		a.dropPending(reqID)
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, errConnectionClosed)
	case <-ctx.Done():
		a.dropPending(reqID)
		return "", ctx.Err()
	}
}

// Unmount performs the ordered shutdown: an editor's final save-document is
// written first, then the close frame, then the socket is closed. The save
// is not awaited; the server completes it even after the socket is gone.
func (a *Agent) Unmount(ctx context.Context) error {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return nil
	}
	a.mounted = false
	conn, done := a.conn, a.done
	role, content := a.role, a.draft
	a.mu.Unlock()

	var flushErr error
	if role.CanEdit() {
		if err := a.send(conn, socket.SaveDocumentType, uuid.NewString(), socket.SavePayload{Content: content, SavedBy: a.cfg.UserID}); err != nil {
			flushErr = fmt.Errorf("final save: %w", err)
		}
	}

	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unmount"), time.Now().Add(writeWait))
	a.writeMu.Unlock()

	// Wait for the server to close its side so no unread frame is discarded
	// by a reset.
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	conn.Close()
	<-done

	logger.Sugar.Debugf("Agent for user %s unmounted doc %s", a.cfg.UserID, a.cfg.DocID)
	return flushErr
}

// Reconnect replaces a dropped connection and rejoins the room. Unsaved
// local edits are re-broadcast and then saved.
func (a *Agent) Reconnect(ctx context.Context) error {
	conn, done, err := a.session()
	if err != nil {
		return err
	}
	conn.Close()
	<-done

	if err := a.connect(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	dirty, content, canEdit := a.dirty, a.draft, a.role.CanEdit()
	conn = a.conn
	a.mu.Unlock()
	if !dirty || !canEdit {
		return nil
	}

	if err := a.send(conn, socket.SendChangesType, "", socket.ChangesPayload{Content: content}); err != nil {
		return fmt.Errorf("resend changes: %w", err)
	}
	if _, err := a.Save(ctx); err != nil {
		return err
	}
	logger.Sugar.Infof("Agent for user %s resynced unsaved draft of doc %s", a.cfg.UserID, a.cfg.DocID)
	return nil
}

// Versions lists snapshots of the document, newest first.
func (a *Agent) Versions(ctx context.Context, page, limit int) (*model.VersionListResponse, error) {
	q := url.Values{}
	q.Set("docId", a.cfg.DocID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var res model.VersionListResponse
	if err := a.doJSON(ctx, http.MethodGet, "/api/documents/versions?"+q.Encode(), nil, &res); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return &res, nil
}

// Restore brings back a snapshot's content as a new version and adopts it as
// the local draft.
func (a *Agent) Restore(ctx context.Context, versionID string) (*model.RestoreResponse, error) {
	a.mu.Lock()
	canEdit := a.role.CanEdit()
	a.mu.Unlock()
	if !canEdit {
		return nil, ErrReadOnly
	}

	var res model.RestoreResponse
	if err := a.doJSON(ctx, http.MethodPost, "/api/documents/versions/restore", model.RestoreRequest{VersionID: versionID}, &res); err != nil {
		return nil, fmt.Errorf("restore version %s: %w", versionID, err)
	}

	a.mu.Lock()
	a.draft = res.Content
	a.dirty = false
	a.mu.Unlock()
	return &res, nil
}

func (a *Agent) Draft() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draft
}

// Dirty reports whether the draft holds local edits not yet confirmed saved.
func (a *Agent) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

func (a *Agent) Role() store.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

func (a *Agent) Title() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.title
}

// Presence returns the room members from the latest presence-update.
func (a *Agent) Presence() []socket.PresenceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]socket.PresenceEntry(nil), a.presence...)
}

func (a *Agent) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(a.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		text := strings.TrimSpace(string(msg))
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %s: %w", resp.Status, text, store.ErrNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("%s: %s: %w", resp.Status, text, store.ErrForbidden)
		}
		return fmt.Errorf("%s: %s", resp.Status, text)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
