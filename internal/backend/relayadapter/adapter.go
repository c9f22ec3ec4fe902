// ABOUTME: Adapter for a reverse-proxied single-seat conversation relay
// ABOUTME: Carries full continuation state (conversation, invocation, signature) across turns

package relayadapter

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
	// BackendID is the identifier requests route on, e.g. "relay".
	BackendID string
	// BaseURL is the relay root. Required.
	BaseURL string
	// ToneStyle is passed through to the relay; some tones disable
	// conversation pinning upstream.
	ToneStyle string
	// Context is extra grounding material sent on the first turn of a
	// conversation.
	Context string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Adapter talks to a relay fronting a provider that can hold only one
// conversation turn at a time system-wide. The relay expects the shared
// cookie credential with every call and echoes back the opaque session
// fields needed to resume.
type Adapter struct {
	id        string
	baseURL   string
	toneStyle string
	context   string
	client    *http.Client
}

// New creates the adapter.
func New(opts Options) (*Adapter, error) {
	if opts.BackendID == "" {
		opts.BackendID = "relay"
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("relayadapter: base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Adapter{
		id:        opts.BackendID,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		toneStyle: opts.ToneStyle,
		context:   opts.Context,
		client:    client,
	}, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Traits() backend.Traits {
	return backend.Traits{SingleSeat: true, NeedsCredential: true}
}

type relayRequest struct {
	Prompt          string `json:"prompt"`
	ConversationID  string `json:"conversation_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	InvocationID    string `json:"invocation_id,omitempty"`
	Signature       string `json:"signature,omitempty"`
	ToneStyle       string `json:"tone_style,omitempty"`
	Context         string `json:"context,omitempty"`
	// MessageType drops to plain chat when the credential pool is degraded;
	// search enrichment burns quota the throttled credentials do not have.
	MessageType string `json:"message_type,omitempty"`
}

type relayResponse struct {
	Text            string          `json:"text"`
	ConversationID  string          `json:"conversation_id"`
	MessageID       string          `json:"message_id"`
	ClientID        string          `json:"client_id"`
	InvocationID    string          `json:"invocation_id"`
	Signature       string          `json:"signature"`
	Suggestions     []string        `json:"suggestions"`
	Quotes          []backend.Quote `json:"quotes"`
	Error           string          `json:"error,omitempty"`
}

// SendTurn performs one turn through the relay.
func (a *Adapter) SendTurn(ctx context.Context, req *backend.TurnRequest) (*backend.TurnResult, error) {
	if req.Credential == nil || req.Credential.Secret == "" {
		return nil, backend.ErrConfigurationMissing
	}

	messageType := "SearchQuery"
	if req.Degraded {
		messageType = "Chat"
	}
	payload := relayRequest{
		Prompt:          req.Prompt,
		ConversationID:  req.Continuation.ConversationID,
		ParentMessageID: req.Continuation.ParentMessageID,
		ClientID:        req.Continuation.ClientID,
		InvocationID:    req.Continuation.InvocationID,
		Signature:       req.Continuation.Signature,
		ToneStyle:       a.toneStyle,
		MessageType:     messageType,
	}
	if req.Continuation.ConversationID == "" {
		payload.Context = a.context
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("relayadapter: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/conversation", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relayadapter: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cookie", req.Credential.Secret)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, backend.ErrTimeout
		}
		return nil, fmt.Errorf("relayadapter: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("relayadapter: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var out relayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("relayadapter: decoding response: %w", err)
	}
	if out.Error != "" {
		return nil, classifyMessage(out.Error)
	}
	if out.Text == "" {
		return nil, fmt.Errorf("relayadapter: empty response")
	}

	return &backend.TurnResult{
		Text:        out.Text,
		Quotes:      out.Quotes,
		Suggestions: out.Suggestions,
		Continuation: conversation.Continuation{
			ConversationID:  out.ConversationID,
			ParentMessageID: out.MessageID,
			ClientID:        out.ClientID,
			InvocationID:    out.InvocationID,
			Signature:       out.Signature,
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
		return fmt.Errorf("%w: %s", backend.ErrConversationNotFound, detail)
	case http.StatusGatewayTimeout:
		return backend.ErrTimeout
	}
	return fmt.Errorf("relayadapter: unexpected status %d: %s", status, detail)
}

// classifyMessage maps relay-reported error strings. The relay forwards raw
// provider messages, so this leans on the shared marker sniffing.
func classifyMessage(msg string) error {
	err := fmt.Errorf("relayadapter: %s", msg)
	switch backend.Classify(err) {
	case backend.ClassRateLimited:
		return fmt.Errorf("%w: %s", backend.ErrRateLimited, msg)
	case backend.ClassUnauthorized:
		return fmt.Errorf("%w: %s", backend.ErrUnauthorized, msg)
	case backend.ClassConversationNotFound:
		return fmt.Errorf("%w: %s", backend.ErrConversationNotFound, msg)
	case backend.ClassContextLengthExceeded:
		return fmt.Errorf("%w: %s", backend.ErrContextLengthExceeded, msg)
	case backend.ClassTimeout:
		return fmt.Errorf("%w: %s", backend.ErrTimeout, msg)
	}
	return err
}
