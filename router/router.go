package router

import (
	"net/http"

	docHandler "naskahsync/internal/document"
	"naskahsync/internal/document/service"
	"naskahsync/middleware"
	"naskahsync/socket"
	"naskahsync/store"
)

// Setup wires the REST surface and the websocket endpoint onto one mux. Every
// route sits behind JWT auth; CORS wraps the whole thing.
func Setup(secret []byte, corsOrigin string, docs store.DocumentStore, versions store.VersionStore, gw *socket.Gateway) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(secret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := middleware.UserID(r.Context())
		socket.ServeWs(gw, w, r, userID)
	})
	mux.Handle("/ws", auth(wsHandler))

	// REST API
	docService := service.NewDocumentService(docs, versions, gw)
	docHandler := docHandler.NewDocumentHandler(docService)

	mux.Handle("/api/documents/create", auth(http.HandlerFunc(docHandler.CreateDocument)))
	mux.Handle("/api/documents/delete", auth(http.HandlerFunc(docHandler.DeleteDocument)))
	mux.Handle("/api/documents/update", auth(http.HandlerFunc(docHandler.UpdateDocument)))
	mux.Handle("/api/documents/get", auth(http.HandlerFunc(docHandler.GetDocument)))
	mux.Handle("/api/documents", auth(http.HandlerFunc(docHandler.GetDocuments)))
	mux.Handle("/api/documents/share", auth(http.HandlerFunc(docHandler.ShareDocument)))
	mux.Handle("/api/documents/save", auth(http.HandlerFunc(docHandler.SaveDocument)))
	mux.Handle("/api/documents/versions", auth(http.HandlerFunc(docHandler.ListVersions)))
	mux.Handle("/api/documents/versions/restore", auth(http.HandlerFunc(docHandler.RestoreVersion)))

	return middleware.CORS(corsOrigin)(mux)
}
