// ABOUTME: HTTP JSON handlers exposing the operator command surface
// ABOUTME: Registered under /api/ops/ by the gateway's HTTP server

package ops

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/seance-gateway/internal/credential"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/userpref"
)

// Handler serves the operator API over HTTP JSON.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger.With("component", "ops-http")}
}

// Register mounts the operator routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/ops/conversations", h.handleConversations)
	mux.HandleFunc("/api/ops/conversations/destroy", h.handleDestroyConversations)
	mux.HandleFunc("/api/ops/queue", h.handleQueueStatus)
	mux.HandleFunc("/api/ops/queue/drain", h.handleDrainQueue)
	mux.HandleFunc("/api/ops/queue/pop", h.handlePopQueueHead)
	mux.HandleFunc("/api/ops/credentials", h.handleCredentials)
	mux.HandleFunc("/api/ops/credentials/add", h.handleAddCredential)
	mux.HandleFunc("/api/ops/credentials/remove", h.handleRemoveCredential)
	mux.HandleFunc("/api/ops/credentials/reset", h.handleResetCredential)
	mux.HandleFunc("/api/ops/credentials/expire", h.handleExpireCredential)
	mux.HandleFunc("/api/ops/credentials/import", h.handleImportCredentials)
	mux.HandleFunc("/api/ops/preferences", h.handlePreferences)
	mux.HandleFunc("/api/ops/audit", h.handleAudit)
	mux.HandleFunc("/api/ops/stats", h.handleStats)
}

// actor names the operator for audit entries. There is no auth layer here;
// the gateway binds the ops API to an operator-only listener.
func actor(r *http.Request) string {
	if who := r.Header.Get("X-Operator"); who != "" {
		return who
	}
	return "operator"
}

// ConfirmationResponse carries a human-readable outcome message.
type ConfirmationResponse struct {
	Message string `json:"message"`
}

// ConversationResponse is one continuity record in listings.
type ConversationResponse struct {
	UserID    string `json:"user_id"`
	BackendID string `json:"backend_id"`
	Turns     int    `json:"turns"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type backendTarget struct {
	Backend string `json:"backend"`
	User    string `json:"user,omitempty"`
}

type credentialTarget struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
	Secret  string `json:"secret,omitempty"`
}

type importRequest struct {
	Backend     string `json:"backend"`
	Credentials []struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	} `json:"credentials"`
	Replace bool `json:"replace"`
}

type preferenceRequest struct {
	User        string `json:"user"`
	OutputMode  string `json:"output_mode"`
	VoiceRole   string `json:"voice_role"`
	Suggestions bool   `json:"suggestions"`
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	backendID := r.URL.Query().Get("backend")
	if backendID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "backend query param required")
		return
	}
	records, err := h.service.ListConversations(r.Context(), backendID)
	if err != nil {
		h.logger.Error("failed to list conversations", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	response := make([]ConversationResponse, len(records))
	for i, rec := range records {
		response[i] = ConversationResponse{
			UserID:    rec.UserID,
			BackendID: rec.BackendID,
			Turns:     rec.Turns,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
			UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
		}
	}
	h.sendJSON(w, response)
}

func (h *Handler) handleDestroyConversations(w http.ResponseWriter, r *http.Request) {
	var req backendTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	if req.Backend == "" {
		h.sendJSONError(w, http.StatusBadRequest, "backend is required")
		return
	}

	var msg string
	var err error
	if req.User != "" {
		msg, err = h.service.DestroyConversation(r.Context(), actor(r), req.Backend, req.User)
	} else {
		msg, err = h.service.DestroyAllConversations(r.Context(), actor(r), req.Backend)
	}
	h.confirm(w, msg, err)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	backendID := r.URL.Query().Get("backend")
	if backendID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "backend query param required")
		return
	}
	status, err := h.service.QueueStatus(r.Context(), backendID)
	if errors.Is(err, ErrUnknownBackend) {
		h.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to read queue status", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, status)
}

func (h *Handler) handleDrainQueue(w http.ResponseWriter, r *http.Request) {
	var req backendTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	msg, err := h.service.DrainQueue(r.Context(), actor(r), req.Backend)
	h.confirm(w, msg, err)
}

func (h *Handler) handlePopQueueHead(w http.ResponseWriter, r *http.Request) {
	var req backendTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	msg, err := h.service.PopQueueHead(r.Context(), actor(r), req.Backend)
	h.confirm(w, msg, err)
}

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	backendID := r.URL.Query().Get("backend")
	if backendID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "backend query param required")
		return
	}
	views, err := h.service.ListCredentials(r.Context(), backendID)
	if errors.Is(err, ErrUnknownBackend) {
		h.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to list credentials", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, views)
}

func (h *Handler) handleAddCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	if req.ID == "" || req.Secret == "" {
		h.sendJSONError(w, http.StatusBadRequest, "id and secret are required")
		return
	}
	msg, err := h.service.AddCredential(r.Context(), actor(r), req.Backend, req.ID, req.Secret)
	h.confirm(w, msg, err)
}

func (h *Handler) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	msg, err := h.service.RemoveCredential(r.Context(), actor(r), req.Backend, req.ID)
	h.confirm(w, msg, err)
}

func (h *Handler) handleResetCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	msg, err := h.service.ResetCredential(r.Context(), actor(r), req.Backend, req.ID)
	h.confirm(w, msg, err)
}

func (h *Handler) handleExpireCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialTarget
	if !h.decodePost(w, r, &req) {
		return
	}
	msg, err := h.service.ExpireCredential(r.Context(), actor(r), req.Backend, req.ID)
	h.confirm(w, msg, err)
}

func (h *Handler) handleImportCredentials(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	seeds := make([]credential.Record, len(req.Credentials))
	for i, c := range req.Credentials {
		seeds[i] = credential.Record{ID: c.ID, Secret: c.Secret, State: credential.StateNormal}
	}
	msg, err := h.service.ImportCredentials(r.Context(), actor(r), req.Backend, seeds, req.Replace)
	h.confirm(w, msg, err)
}

func (h *Handler) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	if req.User == "" {
		h.sendJSONError(w, http.StatusBadRequest, "user is required")
		return
	}
	pref := &userpref.Preference{
		OutputMode:  userpref.OutputMode(req.OutputMode),
		VoiceRole:   req.VoiceRole,
		Suggestions: req.Suggestions,
	}
	msg, err := h.service.SetPreference(r.Context(), actor(r), req.User, pref)
	if errors.Is(err, userpref.ErrInvalidMode) {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.confirm(w, msg, err)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	f := store.AuditFilter{}
	if who := r.URL.Query().Get("actor"); who != "" {
		f.Actor = &who
	}
	if act := r.URL.Query().Get("action"); act != "" {
		action := store.AuditAction(act)
		f.Action = &action
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = parsed
	}
	entries, err := h.service.AuditLog(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list audit log", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, entries)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.service.UsageStats(r.Context(), r.URL.Query().Get("backend"))
	if err != nil {
		h.logger.Error("failed to aggregate usage", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, stats)
}

// decodePost enforces POST and parses the JSON body. Returns false after
// writing the error response when either fails.
func (h *Handler) decodePost(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) confirm(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, ErrUnknownBackend) {
		h.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("operator command failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, ConfirmationResponse{Message: msg})
}

func (h *Handler) sendJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
