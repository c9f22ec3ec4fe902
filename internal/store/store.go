// ABOUTME: Store interface and data types for seance-gateway bookkeeping
// ABOUTME: Audit entries for operator actions and usage rows for dispatched turns

package store

import (
	"context"
	"time"
)

// AuditAction identifies an auditable operator action.
type AuditAction string

const (
	AuditDestroyConversation     AuditAction = "destroy_conversation"
	AuditDestroyAllConversations AuditAction = "destroy_all_conversations"
	AuditDrainQueue              AuditAction = "drain_queue"
	AuditPopQueueHead            AuditAction = "pop_queue_head"
	AuditAddCredential           AuditAction = "add_credential"
	AuditRemoveCredential        AuditAction = "remove_credential"
	AuditResetCredential         AuditAction = "reset_credential"
	AuditExpireCredential        AuditAction = "expire_credential"
	AuditImportCredentials       AuditAction = "import_credentials"
	AuditSetPreference           AuditAction = "set_preference"
)

// AuditEntry records one operator action for later review.
type AuditEntry struct {
	ID         string // UUID v4, generated when empty
	Actor      string // operator identifier
	Action     AuditAction
	TargetType string // "conversation", "queue", "credential", "preference"
	TargetID   string
	Timestamp  time.Time
	Detail     map[string]any
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	Since  *time.Time
	Until  *time.Time
	Actor  *string
	Action *AuditAction
	Limit  int // default 100, capped at 1000
}

// TurnUsage is one dispatched turn's outcome, successful or not.
type TurnUsage struct {
	ID           string // UUID v4, generated when empty
	UserID       string
	BackendID    string
	CredentialID string // empty for credential-less backends
	// Class is the outcome: "ok" on success, otherwise the failure class name.
	Class     string
	Degraded  bool
	Attempts  int
	Duration  time.Duration
	CreatedAt time.Time
}

// UsageFilter narrows usage listings and aggregates.
type UsageFilter struct {
	BackendID *string
	UserID    *string
	Since     *time.Time
	Until     *time.Time
	Limit     int // default 100, capped at 1000
}

// UsageStats are aggregate turn counters for an operator dashboard.
type UsageStats struct {
	Turns     int64
	Succeeded int64
	Degraded  int64
	// AvgDurationMs covers all matched turns, failures included.
	AvgDurationMs float64
}

// Store persists audit and usage bookkeeping. This is observability data;
// coordination state lives in the kv store, never here.
type Store interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	RecordTurn(ctx context.Context, u *TurnUsage) error
	ListTurns(ctx context.Context, f UsageFilter) ([]*TurnUsage, error)
	Stats(ctx context.Context, f UsageFilter) (*UsageStats, error)

	Close() error
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
