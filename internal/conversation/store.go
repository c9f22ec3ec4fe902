// ABOUTME: Per-(user, backend) conversation continuity records with retention TTL
// ABOUTME: Records advance only after a successful turn - failures never touch stored state

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/seance-gateway/internal/kv"
)

// ErrNotFound is returned when no conversation record exists for the key.
var ErrNotFound = errors.New("conversation not found")

// Continuation carries the backend-specific opaque fields needed to resume a
// conversation where the provider left off. Adapters read and produce it;
// nothing else interprets the provider fields.
type Continuation struct {
	ConversationID  string `json:"conversation_id,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	InvocationID    string `json:"invocation_id,omitempty"`
	Signature       string `json:"signature,omitempty"`
	// CredentialID is the sticky binding: the pool credential this
	// conversation's provider-side session was opened with.
	CredentialID string `json:"credential_id,omitempty"`
}

// Record is the durable continuity state for one user on one backend.
type Record struct {
	UserID       string       `json:"user_id"`
	BackendID    string       `json:"backend_id"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Turns        int          `json:"turns"`
	Continuation Continuation `json:"continuation"`
}

// Store keeps conversation records in the shared kv store.
//
// Updates are last-writer-wins per key. Two concurrent turns from the same
// user would silently overwrite each other's continuation; that race is
// accepted because conversational turns from a single user are inherently
// sequential.
type Store struct {
	store     kv.Store
	logger    *slog.Logger
	retention time.Duration
}

// NewStore creates a conversation store. retention is how long a record
// survives after its last successful turn; zero keeps records forever.
func NewStore(store kv.Store, retention time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:     store,
		logger:    logger.With("component", "conversation"),
		retention: retention,
	}
}

func recordKey(backendID, userID string) string {
	return "seance:conv:" + backendID + ":user:" + userID
}

func muxKey(backendID, userID string) string {
	return "seance:conv:" + backendID + ":mux:" + userID
}

// Load returns the record for (backend, user), or ErrNotFound.
func (s *Store) Load(ctx context.Context, backendID, userID string) (*Record, error) {
	raw, err := s.store.Get(ctx, recordKey(backendID, userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding conversation: %w", err)
	}
	return &rec, nil
}

// LoadOrNew returns the stored record, or a fresh zero-turn record when none
// exists. The fresh record is not persisted; only a successful turn does
// that.
func (s *Store) LoadOrNew(ctx context.Context, backendID, userID string) (*Record, error) {
	rec, err := s.Load(ctx, backendID, userID)
	if errors.Is(err, ErrNotFound) {
		now := time.Now()
		return &Record{
			UserID:    userID,
			BackendID: backendID,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	return rec, err
}

// Advance records a completed successful turn: the turn counter moves, the
// continuation is replaced, and the retention clock restarts. This is the
// only path that mutates a stored record.
func (s *Store) Advance(ctx context.Context, rec *Record, cont Continuation) error {
	rec.Turns++
	rec.UpdatedAt = time.Now()
	rec.Continuation = cont

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	if err := s.store.Set(ctx, recordKey(rec.BackendID, rec.UserID), string(data), s.retention); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	s.logger.Debug("conversation advanced",
		"backend", rec.BackendID,
		"user", rec.UserID,
		"turns", rec.Turns)
	return nil
}

// Destroy removes one user's conversation on a backend. Returns false when
// there was nothing to destroy.
func (s *Store) Destroy(ctx context.Context, backendID, userID string) (bool, error) {
	removed, err := s.store.Delete(ctx, recordKey(backendID, userID), muxKey(backendID, userID))
	if err != nil {
		return false, fmt.Errorf("destroying conversation: %w", err)
	}
	return removed > 0, nil
}

// DestroyAll removes every conversation on a backend and returns how many
// user records were deleted.
func (s *Store) DestroyAll(ctx context.Context, backendID string) (int, error) {
	keys, err := s.store.Keys(ctx, "seance:conv:"+backendID+":user:*")
	if err != nil {
		return 0, fmt.Errorf("listing conversations: %w", err)
	}
	count := len(keys)

	// Multiplexing pointers go too so the next turn starts clean.
	muxKeys, err := s.store.Keys(ctx, "seance:conv:"+backendID+":mux:*")
	if err != nil {
		return 0, fmt.Errorf("listing conversation pointers: %w", err)
	}
	keys = append(keys, muxKeys...)
	if len(keys) == 0 {
		return 0, nil
	}
	if _, err := s.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("destroying conversations: %w", err)
	}
	return count, nil
}

// List returns every conversation record on a backend, oldest update first.
func (s *Store) List(ctx context.Context, backendID string) ([]*Record, error) {
	keys, err := s.store.Keys(ctx, "seance:conv:"+backendID+":user:*")
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue // expired between Keys and Get
		}
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding conversation %s: %w", key, err)
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})
	return records, nil
}

// MuxBind points a user at a shared provider-side conversation. Used by
// multiplexing backends, where continuity is keyed by the provider's
// conversation ID rather than by the user.
func (s *Store) MuxBind(ctx context.Context, backendID, userID, conversationID string) error {
	if err := s.store.Set(ctx, muxKey(backendID, userID), conversationID, s.retention); err != nil {
		return fmt.Errorf("binding conversation: %w", err)
	}
	return nil
}

// MuxResolve returns the provider conversation a user is bound to, or "".
func (s *Store) MuxResolve(ctx context.Context, backendID, userID string) (string, error) {
	id, err := s.store.Get(ctx, muxKey(backendID, userID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving conversation binding: %w", err)
	}
	return id, nil
}

// MuxDestroy unbinds every user pointing at a provider conversation and
// returns how many bindings were removed.
func (s *Store) MuxDestroy(ctx context.Context, backendID, conversationID string) (int, error) {
	keys, err := s.store.Keys(ctx, "seance:conv:"+backendID+":mux:*")
	if err != nil {
		return 0, fmt.Errorf("listing conversation bindings: %w", err)
	}
	removed := 0
	for _, key := range keys {
		bound, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("reading conversation binding: %w", err)
		}
		if bound != conversationID {
			continue
		}
		if _, err := s.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("removing conversation binding: %w", err)
		}
		removed++
	}
	return removed, nil
}
