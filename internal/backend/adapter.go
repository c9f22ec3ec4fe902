// ABOUTME: BackendAdapter interface and the normalized turn request/result shapes
// ABOUTME: The dispatcher depends only on this surface, never on provider wire formats

package backend

import (
	"context"

	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/credential"
)

// Traits describe what a backend needs from the admission-and-continuity
// layer before a turn can be dispatched to it.
type Traits struct {
	// SingleSeat means the provider can hold only one conversation turn at a
	// time system-wide; turns must pass through the admission queue.
	SingleSeat bool
	// NeedsCredential means turns require a credential from the shared pool.
	NeedsCredential bool
	// Multiplexed means provider-side conversations are shared objects keyed
	// by conversation ID rather than per user; continuity uses mux bindings.
	Multiplexed bool
}

// TurnRequest is one normalized conversation turn going out to a provider.
type TurnRequest struct {
	UserID       string
	Prompt       string
	Continuation conversation.Continuation
	// Credential is nil for backends whose Traits do not require one.
	Credential *credential.Record
	// Degraded signals the credential pool is operating in all-throttled
	// fallback mode; adapters may soften their request (the original relay
	// drops search enrichment in this mode).
	Degraded bool
}

// Quote is a source attribution attached to a provider reply.
type Quote struct {
	Text      string `json:"text"`
	URL       string `json:"url,omitempty"`
	ImageLink string `json:"image_link,omitempty"`
}

// TurnResult is the normalized successful outcome of a turn.
type TurnResult struct {
	Text         string
	Quotes       []Quote
	Suggestions  []string
	Continuation conversation.Continuation
}

// Adapter normalizes one external chat-completion provider. Implementations
// translate TurnRequest into the provider's wire format and classify
// provider failures into the error taxonomy of this package.
type Adapter interface {
	// ID is the backend identifier requests route on.
	ID() string
	// Traits reports the adapter's admission and credential requirements.
	Traits() Traits
	// SendTurn performs one conversation turn.
	SendTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error)
}
