// ABOUTME: Tests for the /api/send endpoint
// ABOUTME: Success shape, validation, duplicate suppression, and error class mapping

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/backend"
)

func sendRequest(t *testing.T, g *Gateway, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	g.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestSendMessage_Success(t *testing.T) {
	g := newTestGateway(t, testConfig())

	rec := sendRequest(t, g, &SendMessageRequest{
		UserID: "alice", Backend: "echo", Message: "hello there",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, 1, resp.Turns)
	assert.Equal(t, "text", resp.OutputMode)
}

func TestSendMessage_TurnsAccumulate(t *testing.T) {
	g := newTestGateway(t, testConfig())

	sendRequest(t, g, &SendMessageRequest{UserID: "alice", Backend: "echo", Message: "one"})
	rec := sendRequest(t, g, &SendMessageRequest{UserID: "alice", Backend: "echo", Message: "two"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Turns)
}

func TestSendMessage_Validation(t *testing.T) {
	g := newTestGateway(t, testConfig())

	rec := sendRequest(t, g, &SendMessageRequest{UserID: "alice", Backend: "echo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/send", bytes.NewReader([]byte("{not json")))
	g.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/send", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSendMessage_DuplicateSuppressed(t *testing.T) {
	g := newTestGateway(t, testConfig())

	req := &SendMessageRequest{
		UserID: "alice", Backend: "echo", Message: "hi", MessageID: "msg-1",
	}
	rec := sendRequest(t, g, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = sendRequest(t, g, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessage_UnknownBackend(t *testing.T) {
	g := newTestGateway(t, testConfig())

	rec := sendRequest(t, g, &SendMessageRequest{
		UserID: "alice", Backend: "ghost", Message: "hi",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "configuration_missing", resp.Class)
	assert.NotEmpty(t, resp.Error)
}

func TestStatusForClass(t *testing.T) {
	tests := []struct {
		class backend.Class
		want  int
	}{
		{backend.ClassConfigurationMissing, http.StatusServiceUnavailable},
		{backend.ClassRateLimited, http.StatusTooManyRequests},
		{backend.ClassTimeout, http.StatusGatewayTimeout},
		{backend.ClassConversationNotFound, http.StatusGone},
		{backend.ClassContextLengthExceeded, http.StatusGone},
		{backend.ClassUnauthorized, http.StatusBadGateway},
		{backend.ClassUnknown, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForClass(tt.class))
		})
	}
}
