package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readUntil reads frames from conn until one of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	for {
		// Set a deadline to avoid tests hanging forever.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, p, err := conn.ReadMessage()
		require.NoError(t, err, "Failed to read message from WebSocket")
		var msg WSMessage
		require.NoError(t, json.Unmarshal(p, &msg), "Failed to unmarshal WSMessage JSON")
		if msg.Type == msgType {
			return msg
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, msgType, docID, requestID string, payload interface{}) {
	t.Helper()
	raw, err := Encode(msgType, docID, "", requestID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func startServer(t *testing.T, f *fixture) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// For simplicity, the user id is taken from the query in tests.
		ServeWs(f.gw, w, r, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubIntegration(t *testing.T) {
	f := newFixture(t, 0)
	wsURL := startServer(t, f)

	// Alice joins through the upgrade URL, Bob with a join-document frame.
	alice := dial(t, wsURL+"?user_id=alice&docId="+f.docID)
	bob := dial(t, wsURL+"?user_id=bob")
	writeFrame(t, bob, JoinDocumentType, f.docID, "", nil)

	require.Eventually(t, func() bool { return f.gw.Registry().Size(f.docID) == 2 }, 2*time.Second, 10*time.Millisecond)

	writeFrame(t, alice, SendChangesType, f.docID, "", ChangesPayload{Content: "Hello"})
	msg := readUntil(t, bob, ReceiveChangesType)
	assert.Equal(t, "alice", msg.UserID, "Broadcast message should have correct UserID")
	assert.Equal(t, "Hello", content(t, msg))

	writeFrame(t, bob, SendChangesType, f.docID, "", ChangesPayload{Content: "Hello World"})
	assert.Equal(t, "Hello World", content(t, readUntil(t, alice, ReceiveChangesType)))

	writeFrame(t, alice, SaveDocumentType, f.docID, "save-1", SavePayload{Content: "Hello World"})
	ack := readUntil(t, alice, SaveResultType)
	assert.Equal(t, "save-1", ack.RequestID)
	var result SaveResult
	require.NoError(t, json.Unmarshal(ack.Payload, &result))
	assert.True(t, result.OK)

	versions := f.versions(t)
	require.Len(t, versions, 1)
	assert.Equal(t, "Hello World", versions[0].Content)
	assert.Equal(t, "alice", versions[0].SavedBy)
}

func TestHubAbruptDisconnectFlushesDraft(t *testing.T) {
	f := newFixture(t, 0)
	wsURL := startServer(t, f)

	alice := dial(t, wsURL+"?user_id=alice&docId="+f.docID)
	bob := dial(t, wsURL+"?user_id=bob&docId="+f.docID)
	require.Eventually(t, func() bool { return f.gw.Registry().Size(f.docID) == 2 }, 2*time.Second, 10*time.Millisecond)

	writeFrame(t, bob, SendChangesType, f.docID, "", ChangesPayload{Content: "typed then lost wifi"})
	readUntil(t, alice, ReceiveChangesType)

	// No close frame: the server only notices a dead socket.
	bob.UnderlyingConn().Close()

	require.Eventually(t, func() bool { return f.gw.Registry().Size(f.docID) == 1 }, 2*time.Second, 10*time.Millisecond)
	versions := f.versions(t)
	require.Len(t, versions, 1)
	assert.Equal(t, "typed then lost wifi", versions[0].Content)
	assert.Equal(t, "bob", versions[0].SavedBy)
}

func TestHubViewerCannotSendChanges(t *testing.T) {
	f := newFixture(t, 0)
	wsURL := startServer(t, f)

	alice := dial(t, wsURL+"?user_id=alice&docId="+f.docID)
	carol := dial(t, wsURL+"?user_id=carol&docId="+f.docID)
	require.Eventually(t, func() bool { return f.gw.Registry().Size(f.docID) == 2 }, 2*time.Second, 10*time.Millisecond)

	writeFrame(t, carol, SendChangesType, f.docID, "", ChangesPayload{Content: "nope"})
	errMsg := readUntil(t, carol, ErrorType)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(errMsg.Payload, &p))
	assert.Equal(t, "forbidden", p.Error)

	// Alice must see nothing but presence traffic.
	alice.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		_, raw, err := alice.ReadMessage()
		if err != nil {
			break
		}
		var msg WSMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.NotEqual(t, ReceiveChangesType, msg.Type)
	}
}

func TestHubJoinUnknownDocumentReportsError(t *testing.T) {
	f := newFixture(t, 0)
	wsURL := startServer(t, f)

	conn := dial(t, wsURL+"?user_id=alice&docId=missing")
	errMsg := readUntil(t, conn, ErrorType)
	assert.Equal(t, "missing", errMsg.DocID)
	assert.Equal(t, 0, f.gw.Registry().Rooms())
}
