// ABOUTME: Operator command surface over conversations, queues, credentials, and prefs
// ABOUTME: Every mutating operation is audited; confirmations are written for humans

package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/seance-gateway/internal/admission"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/credential"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/userpref"
)

// ErrUnknownBackend is returned for operations naming a backend that has no
// queue or pool configured.
var ErrUnknownBackend = errors.New("unknown backend")

// QueueStatus is a point-in-time view of one backend's admission queue.
type QueueStatus struct {
	BackendID   string `json:"backend_id"`
	Length      int64  `json:"length"`
	LeaseHolder string `json:"lease_holder,omitempty"`
}

// CredentialView is a pool record with the secret redacted. Operators see
// state, never secrets.
type CredentialView struct {
	ID            string           `json:"id"`
	State         credential.State `json:"state"`
	Usage         int              `json:"usage"`
	CooldownUntil string           `json:"cooldown_until,omitempty"`
	Exception     int              `json:"exception,omitempty"`
}

// Service binds operator commands to the core stores. Every confirmation
// string is safe to relay verbatim to the operator's chat or terminal.
type Service struct {
	conversations *conversation.Store
	pools         map[string]*credential.Pool
	queues        map[string]*admission.Queue
	prefs         *userpref.Store
	audit         store.Store
	logger        *slog.Logger
}

// Options wires a Service. Audit may be nil; auditing is then skipped.
type Options struct {
	Conversations *conversation.Store
	Pools         map[string]*credential.Pool
	Queues        map[string]*admission.Queue
	Preferences   *userpref.Store
	Audit         store.Store
	Logger        *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conversations: opts.Conversations,
		pools:         opts.Pools,
		queues:        opts.Queues,
		prefs:         opts.Preferences,
		audit:         opts.Audit,
		logger:        logger.With("component", "ops"),
	}
}

func (s *Service) record(ctx context.Context, actor string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.AppendAudit(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("failed to append audit entry", "action", action, "error", err)
	}
}

// ListConversations returns every continuity record on a backend.
func (s *Service) ListConversations(ctx context.Context, backendID string) ([]*conversation.Record, error) {
	return s.conversations.List(ctx, backendID)
}

// DestroyConversation removes one user's conversation.
func (s *Service) DestroyConversation(ctx context.Context, actor, backendID, userID string) (string, error) {
	removed, err := s.conversations.Destroy(ctx, backendID, userID)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("No conversation for %s on %s; nothing to do.", userID, backendID), nil
	}
	s.record(ctx, actor, store.AuditDestroyConversation, "conversation", backendID+"/"+userID, nil)
	return fmt.Sprintf("Destroyed the conversation for %s on %s. Their next message starts fresh.", userID, backendID), nil
}

// DestroyAllConversations wipes a backend's continuity state.
func (s *Service) DestroyAllConversations(ctx context.Context, actor, backendID string) (string, error) {
	count, err := s.conversations.DestroyAll(ctx, backendID)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return fmt.Sprintf("No conversations on %s; nothing to do.", backendID), nil
	}
	s.record(ctx, actor, store.AuditDestroyAllConversations, "conversation", backendID,
		map[string]any{"count": count})
	return fmt.Sprintf("Destroyed %d conversation(s) on %s.", count, backendID), nil
}

// QueueStatus reports queue length and the current lease holder.
func (s *Service) QueueStatus(ctx context.Context, backendID string) (*QueueStatus, error) {
	queue, ok := s.queues[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	length, err := queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	holder, err := queue.LeaseHolder(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{BackendID: backendID, Length: length, LeaseHolder: holder}, nil
}

// DrainQueue drops all waiting tickets, keeping an in-flight head if any.
func (s *Service) DrainQueue(ctx context.Context, actor, backendID string) (string, error) {
	queue, ok := s.queues[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	dropped, err := queue.Drain(ctx)
	if err != nil {
		return "", err
	}
	if dropped == 0 {
		return fmt.Sprintf("Queue for %s is already empty; nothing to do.", backendID), nil
	}
	s.record(ctx, actor, store.AuditDrainQueue, "queue", backendID,
		map[string]any{"dropped": dropped})
	return fmt.Sprintf("Dropped %d waiting ticket(s) from the %s queue.", dropped, backendID), nil
}

// PopQueueHead force-removes the serving head. Escape hatch for a stuck turn
// still holding a live lease.
func (s *Service) PopQueueHead(ctx context.Context, actor, backendID string) (string, error) {
	queue, ok := s.queues[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	head, err := queue.PopHead(ctx)
	if errors.Is(err, admission.ErrQueueEmpty) {
		return fmt.Sprintf("Queue for %s is empty; nothing to do.", backendID), nil
	}
	if err != nil {
		return "", err
	}
	s.record(ctx, actor, store.AuditPopQueueHead, "queue", backendID,
		map[string]any{"ticket": head})
	return fmt.Sprintf("Removed ticket %s from the head of the %s queue.", head, backendID), nil
}

// ListCredentials returns a backend's pool with secrets redacted.
func (s *Service) ListCredentials(ctx context.Context, backendID string) ([]CredentialView, error) {
	pool, ok := s.pools[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	records, err := pool.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]CredentialView, 0, len(records))
	for _, r := range records {
		v := CredentialView{
			ID:        r.ID,
			State:     r.State,
			Usage:     r.Usage,
			Exception: r.Exception,
		}
		if r.CooldownUntil != nil {
			v.CooldownUntil = r.CooldownUntil.UTC().Format("2006-01-02T15:04:05Z")
		}
		views = append(views, v)
	}
	return views, nil
}

// AddCredential inserts a credential into a backend's pool.
func (s *Service) AddCredential(ctx context.Context, actor, backendID, id, secret string) (string, error) {
	pool, ok := s.pools[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	if err := pool.Add(ctx, id, secret); err != nil {
		if errors.Is(err, credential.ErrCredentialExists) {
			return fmt.Sprintf("Credential %s already exists on %s; nothing to do.", id, backendID), nil
		}
		return "", err
	}
	s.record(ctx, actor, store.AuditAddCredential, "credential", id,
		map[string]any{"backend": backendID})
	return fmt.Sprintf("Added credential %s to the %s pool.", id, backendID), nil
}

// RemoveCredential deletes a credential from a backend's pool.
func (s *Service) RemoveCredential(ctx context.Context, actor, backendID, id string) (string, error) {
	pool, ok := s.pools[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	if err := pool.Remove(ctx, id); err != nil {
		if errors.Is(err, credential.ErrCredentialNotFound) {
			return fmt.Sprintf("No credential %s on %s; nothing to do.", id, backendID), nil
		}
		return "", err
	}
	s.record(ctx, actor, store.AuditRemoveCredential, "credential", id,
		map[string]any{"backend": backendID})
	return fmt.Sprintf("Removed credential %s from the %s pool.", id, backendID), nil
}

// ResetCredential returns a credential to normal with zero usage.
func (s *Service) ResetCredential(ctx context.Context, actor, backendID, id string) (string, error) {
	pool, ok := s.pools[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	if err := pool.Reset(ctx, id); err != nil {
		if errors.Is(err, credential.ErrCredentialNotFound) {
			return fmt.Sprintf("No credential %s on %s; nothing to do.", id, backendID), nil
		}
		return "", err
	}
	s.record(ctx, actor, store.AuditResetCredential, "credential", id,
		map[string]any{"backend": backendID})
	return fmt.Sprintf("Reset credential %s on %s to normal.", id, backendID), nil
}

// ExpireCredential marks a credential expired so selection skips it.
func (s *Service) ExpireCredential(ctx context.Context, actor, backendID, id string) (string, error) {
	pool, ok := s.pools[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	if err := pool.Expire(ctx, id); err != nil {
		if errors.Is(err, credential.ErrCredentialNotFound) {
			return fmt.Sprintf("No credential %s on %s; nothing to do.", id, backendID), nil
		}
		return "", err
	}
	s.record(ctx, actor, store.AuditExpireCredential, "credential", id,
		map[string]any{"backend": backendID})
	return fmt.Sprintf("Marked credential %s on %s as expired.", id, backendID), nil
}

// ImportCredentials merges seed records into a backend's pool.
func (s *Service) ImportCredentials(ctx context.Context, actor, backendID string, seeds []credential.Record, replace bool) (string, error) {
	pool, ok := s.pools[backendID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	applied, err := pool.Import(ctx, seeds, replace)
	if err != nil {
		return "", err
	}
	if applied == 0 {
		return fmt.Sprintf("All %d credential(s) already present on %s; nothing to do.", len(seeds), backendID), nil
	}
	s.record(ctx, actor, store.AuditImportCredentials, "credential", backendID,
		map[string]any{"applied": applied, "replace": replace})
	return fmt.Sprintf("Imported %d credential(s) into the %s pool.", applied, backendID), nil
}

// SetPreference updates a user's rendering preferences.
func (s *Service) SetPreference(ctx context.Context, actor, userID string, pref *userpref.Preference) (string, error) {
	if err := s.prefs.Save(ctx, userID, pref); err != nil {
		return "", err
	}
	s.record(ctx, actor, store.AuditSetPreference, "preference", userID,
		map[string]any{"output_mode": string(pref.OutputMode), "voice_role": pref.VoiceRole})
	return fmt.Sprintf("Updated preferences for %s.", userID), nil
}

// AuditLog lists recent audit entries.
func (s *Service) AuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	if s.audit == nil {
		return []store.AuditEntry{}, nil
	}
	return s.audit.ListAudit(ctx, f)
}

// UsageStats aggregates turn outcomes for a backend ("" for all).
func (s *Service) UsageStats(ctx context.Context, backendID string) (*store.UsageStats, error) {
	if s.audit == nil {
		return &store.UsageStats{}, nil
	}
	f := store.UsageFilter{}
	if backendID != "" {
		f.BackendID = &backendID
	}
	return s.audit.Stats(ctx, f)
}
