package socket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"naskahsync/pkg/logger"
	"naskahsync/store"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Frames carry whole documents, so this is generous.
	maxMessageSize = 4 << 20

	sendBufferSize = 256

	// saveQueueSize bounds persistence events waiting on one connection.
	saveQueueSize = 64
)

var (
	errClientClosed   = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows us to connect from the Next.js dev server
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one websocket connection. Besides the transport it holds the
// connection's room binding and the latest draft it sent, which the Gateway
// uses for autosave and the flush on disconnect.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	docID        string
	role         store.Role
	draft        string
	pending      bool // draft holds edits not yet handed to a save
	stopAutosave chan struct{}

	// saves feeds runSaves, the connection's single persistence writer.
	// Manual saves, autosave ticks and the disconnect flush all go through
	// it, so they reach the store in the order they were queued.
	savesMu     sync.Mutex
	saves       chan func()
	savesClosed bool
}

func newClient(conn *websocket.Conn, userID string) *Client {
	c := &Client{
		id:     ulid.Make().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		saves:  make(chan func(), saveQueueSize),
	}
	go c.runSaves()
	return c
}

// runSaves executes queued persistence events one at a time, in FIFO order.
// It outlives the socket and exits once the queue is closed and drained.
func (c *Client) runSaves() {
	for job := range c.saves {
		job()
	}
}

// queueSave appends job to the persistence queue. It reports false once the
// queue has been closed by the disconnect sequence.
func (c *Client) queueSave(job func()) bool {
	c.savesMu.Lock()
	defer c.savesMu.Unlock()
	if c.savesClosed {
		return false
	}
	c.saves <- job
	return true
}

func (c *Client) closeSaves() {
	c.savesMu.Lock()
	defer c.savesMu.Unlock()
	if !c.savesClosed {
		c.savesClosed = true
		close(c.saves)
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send queues payload without blocking. A client whose queue is full is
// lagging; it gets disconnected and recovers by reconnecting.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full. Disconnecting.", c.userID)
		c.Close()
		return errSendBufferFull
	}
}

// Close is idempotent. It stops the write pump and closes the socket, which
// makes the read pump exit and run the disconnect sequence.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Client) sendError(docID, requestID string, cause error) {
	frame, err := Encode(ErrorType, docID, c.userID, requestID, ErrorPayload{Error: cause.Error()})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling error frame: %v", err)
		return
	}
	if err := c.Send(frame); err != nil {
		logger.Sugar.Debugf("Could not report error to user %s: %v", c.userID, err)
	}
}

func (c *Client) binding() (string, store.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID, c.role
}

// bind records the room and role. Rejoining the same room keeps the draft.
func (c *Client) bind(docID string, role store.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docID != docID {
		c.draft = ""
		c.pending = false
	}
	c.docID = docID
	c.role = role
}

func (c *Client) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docID = ""
	c.role = ""
	c.draft = ""
	c.pending = false
}

// recordDraft stores content the user sent as an unsaved edit.
func (c *Client) recordDraft(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = content
	c.pending = true
}

// markSaving stores content that is being handed to a save right now.
func (c *Client) markSaving(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = content
	c.pending = false
}

// takePending hands out the draft if it has unsaved, non-empty content and
// clears the pending mark, so one draft is persisted at most once.
func (c *Client) takePending() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending || c.draft == "" {
		return "", false
	}
	c.pending = false
	return c.draft, true
}

// restorePending re-marks content as unsaved after a failed write, unless a
// newer draft has arrived in the meantime.
func (c *Client) restorePending(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draft == content {
		c.pending = true
	}
}

func (c *Client) discardPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
}

func (c *Client) setAutosaveStop(stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopAutosave != nil {
		close(c.stopAutosave)
	}
	c.stopAutosave = stop
}

func (c *Client) cancelAutosave() {
	c.setAutosaveStop(nil)
}

// ServeWs upgrades the request and starts the pumps. An optional docId query
// parameter joins that room right away; otherwise the client sends
// join-document itself.
func ServeWs(g *Gateway, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Errorf("Websocket upgrade failed: %v", err)
		return
	}

	client := newClient(conn, userID)
	g.track(client)
	go client.writePump()

	if docID := r.URL.Query().Get("docId"); docID != "" {
		if err := g.Join(client, docID); err != nil {
			logger.Sugar.Warnf("Connection of user %s could not join doc %s: %v", userID, docID, err)
			client.sendError(docID, "", err)
		}
	}

	go client.readPump(g)
}

func (c *Client) readPump(g *Gateway) {
	defer func() {
		// Flush and leave the room before the socket is torn down.
		g.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("Unexpected close from user %s: %v", c.userID, err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			c.sendError("", "", errors.New("malformed message"))
			continue
		}

		// Set server-authoritative fields to prevent spoofing.
		msg.UserID = c.userID
		g.HandleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		case <-c.done:
			return
		}
	}
}
