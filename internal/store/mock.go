// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Mirrors the SQLite store's filtering and ordering without a database

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu     sync.Mutex
	audit  []AuditEntry
	usage  []*TurnUsage
	closed bool
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

func (m *MockStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit := normalizeLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MockStore) RecordTurn(ctx context.Context, u *TurnUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	clone := *u
	m.usage = append(m.usage, &clone)
	return nil
}

func (m *MockStore) ListTurns(ctx context.Context, f UsageFilter) ([]*TurnUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usages := []*TurnUsage{}
	for _, u := range m.usage {
		if !matchUsage(u, f) {
			continue
		}
		clone := *u
		usages = append(usages, &clone)
	}
	sort.Slice(usages, func(i, j int) bool {
		return usages[i].CreatedAt.After(usages[j].CreatedAt)
	})
	if limit := normalizeLimit(f.Limit); len(usages) > limit {
		usages = usages[:limit]
	}
	return usages, nil
}

func (m *MockStore) Stats(ctx context.Context, f UsageFilter) (*UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats UsageStats
	var totalMs float64
	for _, u := range m.usage {
		if !matchUsage(u, f) {
			continue
		}
		stats.Turns++
		if u.Class == "ok" {
			stats.Succeeded++
		}
		if u.Degraded {
			stats.Degraded++
		}
		totalMs += float64(u.Duration.Milliseconds())
	}
	if stats.Turns > 0 {
		stats.AvgDurationMs = totalMs / float64(stats.Turns)
	}
	return &stats, nil
}

func matchUsage(u *TurnUsage, f UsageFilter) bool {
	if f.BackendID != nil && u.BackendID != *f.BackendID {
		return false
	}
	if f.UserID != nil && u.UserID != *f.UserID {
		return false
	}
	if f.Since != nil && u.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !u.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
