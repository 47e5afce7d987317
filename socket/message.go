package socket

import (
	"encoding/json"

	"naskahsync/store"
)

const (
	JoinDocumentType   = "join-document"   // client joins a document room
	SendChangesType    = "send-changes"    // client broadcasts its full content
	SaveDocumentType   = "save-document"   // client asks for a persisted snapshot
	ReceiveChangesType = "receive-changes" // server relays someone else's content
	SaveResultType     = "save-result"     // outcome of a save-document request
	PresenceUpdateType = "presence-update" // a user joined or left the room
	ErrorType          = "error"           // rejected request, sent to the requester only
)

type WSMessage struct {
	Type      string          `json:"type"`
	DocID     string          `json:"document_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ChangesPayload carries a send-changes or receive-changes body. Content is
// the whole document, never a diff.
type ChangesPayload struct {
	Content string `json:"content"`
}

type SavePayload struct {
	Content string `json:"content"`
	// SavedBy is accepted for compatibility but always replaced with the
	// authenticated user of the connection.
	SavedBy string `json:"saved_by,omitempty"`
}

type SaveResult struct {
	OK        bool   `json:"ok"`
	VersionID string `json:"version_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type PresenceEntry struct {
	UserID string     `json:"user_id"`
	Role   store.Role `json:"role"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode builds a wire frame with payload marshalled into the envelope.
func Encode(msgType, docID, userID, requestID string, payload interface{}) ([]byte, error) {
	msg := WSMessage{Type: msgType, DocID: docID, UserID: userID, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}
