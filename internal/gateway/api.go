// ABOUTME: HTTP handler for the user-facing send endpoint
// ABOUTME: Maps dispatch failures to HTTP status codes by failure class

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/dispatch"
)

// SendMessageRequest is the JSON request body for POST /api/send.
type SendMessageRequest struct {
	UserID    string `json:"user_id"`
	Backend   string `json:"backend"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// SendMessageResponse is the JSON response for a successful turn.
type SendMessageResponse struct {
	Text        string          `json:"text"`
	Quotes      []backend.Quote `json:"quotes,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	Turns       int             `json:"turns"`
	Degraded    bool            `json:"degraded,omitempty"`
	OutputMode  string          `json:"output_mode"`
	VoiceRole   string          `json:"voice_role,omitempty"`
}

// ErrorResponse is the JSON body for failed turns. Class is the failure
// taxonomy name when the dispatcher produced one.
type ErrorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

// handleSendMessage handles POST /api/send requests.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if req.UserID == "" || req.Backend == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id, backend, and message are required", "")
		return
	}

	result, err := g.dispatcher.Dispatch(r.Context(), &dispatch.Request{
		UserID:    req.UserID,
		BackendID: req.Backend,
		Prompt:    req.Message,
		MessageID: req.MessageID,
	})
	if err != nil {
		g.sendDispatchError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, &SendMessageResponse{
		Text:        result.Text,
		Quotes:      result.Quotes,
		Suggestions: result.Suggestions,
		Turns:       result.Turns,
		Degraded:    result.Degraded,
		OutputMode:  string(result.OutputMode),
		VoiceRole:   result.VoiceRole,
	})
}

// sendDispatchError translates a dispatch error into an HTTP response.
func (g *Gateway) sendDispatchError(w http.ResponseWriter, err error) {
	if errors.Is(err, dispatch.ErrDuplicate) {
		g.sendJSONError(w, http.StatusConflict, "duplicate message", "")
		return
	}

	var failure *dispatch.Failure
	if errors.As(err, &failure) {
		g.sendJSONError(w, statusForClass(failure.Class), failure.Message, failure.Class.String())
		return
	}

	g.logger.Error("dispatch failed", "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, "internal server error", "")
}

// statusForClass maps a failure class to the HTTP status the frontend sees.
func statusForClass(class backend.Class) int {
	switch class {
	case backend.ClassConfigurationMissing:
		return http.StatusServiceUnavailable
	case backend.ClassRateLimited:
		return http.StatusTooManyRequests
	case backend.ClassTimeout:
		return http.StatusGatewayTimeout
	case backend.ClassConversationNotFound, backend.ClassContextLengthExceeded:
		// The stored conversation is gone; the next turn starts fresh.
		return http.StatusGone
	default:
		return http.StatusBadGateway
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message, class string) {
	g.sendJSON(w, status, &ErrorResponse{Error: message, Class: class})
}
