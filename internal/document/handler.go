package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/service"
	"naskahsync/middleware"
	"naskahsync/pkg/logger"
	"naskahsync/store"
)

type DocumentHandler struct {
	Service *service.DocumentService
}

func NewDocumentHandler(service *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{Service: service}
}

// writeError maps store sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, store.ErrInvalidRole), errors.Is(err, store.ErrAlreadyOwner):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Sugar.Errorf("Handler: Failed to %s: %v", action, err)
		http.Error(w, "Failed to "+action, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Warnf("Handler: Failed to encode response: %v", err)
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return userID, ok
}

func docIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return "", false
	}
	return docID, true
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.CreateDocRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // Ignore error, default to empty

	docID, err := h.Service.CreateDocument(r.Context(), userID, req.Title)
	if err != nil {
		writeError(w, "create document", err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, model.CreateDocResponse{DocID: docID})
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := currentUser(w, r); !ok {
		return
	}
	docID, ok := docIDParam(w, r)
	if !ok {
		return
	}

	doc, err := h.Service.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, "fetch document", err)
		return
	}
	writeJSON(w, doc)
}

func (h *DocumentHandler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.SaveDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	v, err := h.Service.SaveDocument(r.Context(), userID, req)
	if err != nil {
		writeError(w, "save document", err)
		return
	}
	writeJSON(w, model.SaveDocResponse{VersionID: v.ID})
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	docID, ok := docIDParam(w, r)
	if !ok {
		return
	}

	if err := h.Service.DeleteDocument(r.Context(), docID, userID); err != nil {
		writeError(w, "delete document", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document deleted successfully"))
}

func (h *DocumentHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPut) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	docID, ok := docIDParam(w, r)
	if !ok {
		return
	}

	var req model.UpdateDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Service.UpdateTitle(r.Context(), docID, userID, req.Title); err != nil {
		writeError(w, "update title", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document updated successfully"))
}

func (h *DocumentHandler) ShareDocument(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" || req.Email == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Service.ShareDocument(r.Context(), userID, req); err != nil {
		writeError(w, "share document", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document shared successfully"))
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	docs, err := h.Service.GetDocuments(r.Context(), userID)
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, docs)
}

func (h *DocumentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := currentUser(w, r); !ok {
		return
	}
	docID, ok := docIDParam(w, r)
	if !ok {
		return
	}

	// Malformed numbers fall back to the service defaults.
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := h.Service.ListVersions(r.Context(), docID, page, limit)
	if err != nil {
		writeError(w, "list versions", err)
		return
	}
	writeJSON(w, model.VersionListResponse{
		Versions:    res.Versions,
		CurrentPage: res.CurrentPage,
		TotalPages:  res.TotalPages,
	})
}

func (h *DocumentHandler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req model.RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VersionID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.Service.RestoreVersion(r.Context(), userID, req.VersionID)
	if err != nil {
		writeError(w, "restore version", err)
		return
	}
	writeJSON(w, resp)
}
