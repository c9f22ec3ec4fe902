// ABOUTME: OpenAI-compatible HTTP adapter using the responses endpoint
// ABOUTME: Continuity rides on previous_response_id; credentials come from the shared pool

package openaiadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/conversation"
)

const defaultTimeout = 120 * time.Second

// Options configures the adapter.
type Options struct {
	// BackendID is the identifier requests route on, e.g. "openai".
	BackendID string
	// BaseURL is the API root, e.g. "https://api.openai.com/v1". Required.
	BaseURL string
	// Model is the model name sent with every turn. Required.
	Model string
	// Instructions is the optional system prompt prepended provider-side.
	Instructions string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Adapter speaks the OpenAI responses API. Each turn sends the prompt plus
// the previous response ID, so conversational state stays provider-side and
// the continuation stays opaque.
type Adapter struct {
	id           string
	baseURL      string
	model        string
	instructions string
	client       *http.Client
}

// New creates the adapter.
func New(opts Options) (*Adapter, error) {
	if opts.BackendID == "" {
		opts.BackendID = "openai"
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("openaiadapter: base URL is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("openaiadapter: model is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Adapter{
		id:           opts.BackendID,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		model:        opts.Model,
		instructions: opts.Instructions,
		client:       client,
	}, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Traits() backend.Traits {
	return backend.Traits{NeedsCredential: true}
}

type turnRequest struct {
	Model              string `json:"model"`
	Input              string `json:"input"`
	Instructions       string `json:"instructions,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

type turnResponse struct {
	ID     string `json:"id"`
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendTurn performs one turn against the responses endpoint.
func (a *Adapter) SendTurn(ctx context.Context, req *backend.TurnRequest) (*backend.TurnResult, error) {
	if req.Credential == nil || req.Credential.Secret == "" {
		return nil, backend.ErrConfigurationMissing
	}

	body, err := json.Marshal(turnRequest{
		Model:              a.model,
		Input:              req.Prompt,
		Instructions:       a.instructions,
		PreviousResponseID: req.Continuation.ParentMessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("openaiadapter: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openaiadapter: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential.Secret)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, backend.ErrTimeout
		}
		return nil, fmt.Errorf("openaiadapter: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openaiadapter: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var payload turnResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openaiadapter: decoding response: %w", err)
	}
	if payload.Error != nil {
		return nil, classifyAPIError(payload.Error.Code, payload.Error.Message)
	}

	var text strings.Builder
	for _, out := range payload.Output {
		for _, content := range out.Content {
			if content.Type == "output_text" || content.Type == "" {
				text.WriteString(content.Text)
			}
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("openaiadapter: empty response")
	}

	return &backend.TurnResult{
		Text: text.String(),
		Continuation: conversation.Continuation{
			ConversationID:  req.Continuation.ConversationID,
			ParentMessageID: payload.ID,
		},
	}, nil
}

func classifyStatus(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	switch status {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", backend.ErrRateLimited, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", backend.ErrUnauthorized, detail)
	case http.StatusNotFound:
		if strings.Contains(strings.ToLower(detail), "response") ||
			strings.Contains(strings.ToLower(detail), "conversation") {
			return fmt.Errorf("%w: %s", backend.ErrConversationNotFound, detail)
		}
	case http.StatusGatewayTimeout:
		return backend.ErrTimeout
	}
	if strings.Contains(detail, "context_length_exceeded") {
		return fmt.Errorf("%w: %s", backend.ErrContextLengthExceeded, detail)
	}
	return fmt.Errorf("openaiadapter: unexpected status %d: %s", status, detail)
}

func classifyAPIError(code, message string) error {
	switch code {
	case "context_length_exceeded":
		return fmt.Errorf("%w: %s", backend.ErrContextLengthExceeded, message)
	case "rate_limit_exceeded":
		return fmt.Errorf("%w: %s", backend.ErrRateLimited, message)
	case "invalid_api_key":
		return fmt.Errorf("%w: %s", backend.ErrUnauthorized, message)
	}
	return fmt.Errorf("openaiadapter: %s: %s", code, message)
}
