// ABOUTME: Loopback adapter that echoes prompts back
// ABOUTME: Used by tests and the doctor command to exercise the dispatch path end to end

package echoadapter

import (
	"context"
	"fmt"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/conversation"
)

// Adapter echoes every prompt. It needs neither admission nor credentials,
// which makes it the minimal path through the dispatcher.
type Adapter struct {
	id string
}

// New creates the adapter under the given backend ID ("echo" when empty).
func New(id string) *Adapter {
	if id == "" {
		id = "echo"
	}
	return &Adapter{id: id}
}

func (a *Adapter) ID() string             { return a.id }
func (a *Adapter) Traits() backend.Traits { return backend.Traits{} }

func (a *Adapter) SendTurn(ctx context.Context, req *backend.TurnRequest) (*backend.TurnResult, error) {
	turn := 1
	if req.Continuation.ParentMessageID != "" {
		fmt.Sscanf(req.Continuation.ParentMessageID, "echo-%d", &turn)
		turn++
	}
	return &backend.TurnResult{
		Text: req.Prompt,
		Continuation: conversation.Continuation{
			ConversationID:  "echo",
			ParentMessageID: fmt.Sprintf("echo-%d", turn),
		},
	}, nil
}
