// ABOUTME: Credential pool with min-usage rotation, cooldown recovery, and sticky binding
// ABOUTME: The whole pool is one JSON document in the kv store, mutated only via atomic Update

package credential

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

// ErrNoCredential is returned when no usable credential exists for the
// request. Expected condition, not an internal failure.
var ErrNoCredential = errors.New("no credential available")

// ErrCredentialExists is returned when adding a credential whose ID is taken.
var ErrCredentialExists = errors.New("credential already exists")

// ErrCredentialNotFound is returned for operations on an unknown credential.
var ErrCredentialNotFound = errors.New("credential not found")

// DefaultCooldown is how long a rate-limited credential rests before it is
// automatically promoted back to normal.
const DefaultCooldown = 6 * time.Hour

// State describes the lifecycle of one shared credential.
type State string

const (
	StateNormal     State = "normal"
	StateRestricted State = "restricted"
	StateExpired    State = "expired"
)

// Record is one shared backend credential.
type Record struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	State  State  `json:"state"`
	// Usage counts selections since the last reset; selection always picks
	// the minimum to balance load.
	Usage int `json:"usage"`
	// CooldownUntil is set whenever State is restricted. Once it passes the
	// record is eligible for automatic promotion back to normal.
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	// Exception counts consecutive suspected-transient auth failures. It is
	// bookkeeping for operators, cleared on the next success.
	Exception int `json:"exception,omitempty"`
}

// Selection is the outcome of picking a credential for one attempt.
type Selection struct {
	Record Record
	// Degraded is set when every credential was throttled and the pool fell
	// back to the least-used restricted one anyway.
	Degraded bool
}

// Pool manages the shared credentials of one backend.
type Pool struct {
	store    kv.Store
	logger   *slog.Logger
	key      string
	cooldown time.Duration
}

// NewPool creates the credential pool for one backend. A cooldown of zero
// means DefaultCooldown.
func NewPool(store kv.Store, backendID string, cooldown time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Pool{
		store:    store,
		logger:   logger.With("component", "credential", "backend", backendID),
		key:      "seance:credentials:" + backendID,
		cooldown: cooldown,
	}
}

func decodeRecords(raw string, exists bool) ([]Record, error) {
	if !exists || raw == "" {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decoding credential pool: %w", err)
	}
	return records, nil
}

func encodeRecords(records []Record) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encoding credential pool: %w", err)
	}
	return string(data), nil
}

// promoteCooledDown resets restricted records whose cooldown has elapsed.
// Returns true when anything changed.
func promoteCooledDown(records []Record, now time.Time) bool {
	changed := false
	for i := range records {
		if records[i].State != StateRestricted {
			continue
		}
		if records[i].CooldownUntil != nil && !records[i].CooldownUntil.After(now) {
			records[i].State = StateNormal
			records[i].Usage = 0
			records[i].CooldownUntil = nil
			changed = true
		}
	}
	return changed
}

// minUsage returns the index of the least-used record among those matching
// state. Ties break on the lowest ID so selection stays deterministic.
func minUsage(records []Record, state State) int {
	best := -1
	for i, r := range records {
		if r.State != state {
			continue
		}
		if best == -1 || r.Usage < records[best].Usage ||
			(r.Usage == records[best].Usage && r.ID < records[best].ID) {
			best = i
		}
	}
	return best
}

func contains(set []string, id string) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}

// Select picks a usable credential for one dispatch attempt.
//
// sticky is an optional credential ID bound to the caller's conversation;
// when it still exists in the pool and has not been tried this attempt it is
// returned unconditionally, even if currently restricted. Same-session
// consistency deliberately outweighs load balance here.
//
// tried is the set of credential IDs already exhausted in this attempt; it
// lets the retry loop rotate instead of hammering one throttled credential.
//
// The chosen record's usage counter is incremented and persisted as part of
// the same atomic update that reads the pool.
func (p *Pool) Select(ctx context.Context, sticky string, tried []string) (*Selection, error) {
	var selection *Selection
	err := p.store.Update(ctx, p.key, func(raw string, exists bool) (string, time.Duration, error) {
		records, err := decodeRecords(raw, exists)
		if err != nil {
			return "", 0, err
		}
		if len(records) == 0 {
			return "", 0, ErrNoCredential
		}

		now := time.Now()
		promoteCooledDown(records, now)

		chosen := -1
		degraded := false

		if sticky != "" && !contains(tried, sticky) {
			for i, r := range records {
				if r.ID == sticky && r.State != StateExpired {
					chosen = i
					break
				}
			}
		}

		if chosen == -1 {
			chosen = minUsage(records, StateNormal)
		}

		if chosen == -1 {
			// No normal credential left. If every restricted one has already
			// been tried this attempt, the provider throttled us across the
			// board: soldier on with the least-used restricted credential in
			// degraded mode rather than failing the user outright.
			restricted := 0
			triedRestricted := 0
			for _, r := range records {
				if r.State == StateRestricted {
					restricted++
					if contains(tried, r.ID) {
						triedRestricted++
					}
				}
			}
			if restricted > 0 && restricted == triedRestricted {
				chosen = minUsage(records, StateRestricted)
				degraded = true
			}
		}

		if chosen == -1 {
			return "", 0, ErrNoCredential
		}

		records[chosen].Usage++
		selection = &Selection{Record: records[chosen], Degraded: degraded}

		next, err := encodeRecords(records)
		return next, 0, err
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("credential selected",
		"credential", selection.Record.ID,
		"usage", selection.Record.Usage,
		"degraded", selection.Degraded)
	return selection, nil
}

// MarkRateLimited transitions a credential to restricted and starts its
// cooldown. Called when the provider reports throttling; the caller rotates
// to another credential without spending retry budget.
func (p *Pool) MarkRateLimited(ctx context.Context, id string) error {
	return p.mutateRecord(ctx, id, func(r *Record) {
		until := time.Now().Add(p.cooldown)
		r.State = StateRestricted
		r.CooldownUntil = &until
		p.logger.Warn("credential rate limited", "credential", id, "cooldown_until", until)
	})
}

// NoteAuthFailure bumps the suspected-transient-auth strike counter.
// Providers behind reverse proxies routinely return false unauthorized
// responses, so a single strike never expires a credential.
func (p *Pool) NoteAuthFailure(ctx context.Context, id string) error {
	return p.mutateRecord(ctx, id, func(r *Record) {
		r.Exception++
	})
}

// ClearException resets the strike counter after a successful turn.
func (p *Pool) ClearException(ctx context.Context, id string) error {
	return p.mutateRecord(ctx, id, func(r *Record) {
		r.Exception = 0
	})
}

// Reset returns a credential to normal with zero usage. Operator command.
func (p *Pool) Reset(ctx context.Context, id string) error {
	return p.mutateRecord(ctx, id, func(r *Record) {
		r.State = StateNormal
		r.Usage = 0
		r.CooldownUntil = nil
		r.Exception = 0
	})
}

// Expire marks a credential expired so selection skips it. Operator command.
func (p *Pool) Expire(ctx context.Context, id string) error {
	return p.mutateRecord(ctx, id, func(r *Record) {
		r.State = StateExpired
		r.CooldownUntil = nil
	})
}

func (p *Pool) mutateRecord(ctx context.Context, id string, mutate func(*Record)) error {
	return p.store.Update(ctx, p.key, func(raw string, exists bool) (string, time.Duration, error) {
		records, err := decodeRecords(raw, exists)
		if err != nil {
			return "", 0, err
		}
		for i := range records {
			if records[i].ID == id {
				mutate(&records[i])
				next, err := encodeRecords(records)
				return next, 0, err
			}
		}
		return "", 0, ErrCredentialNotFound
	})
}

// Add inserts a new credential in normal state.
func (p *Pool) Add(ctx context.Context, id, secret string) error {
	return p.store.Update(ctx, p.key, func(raw string, exists bool) (string, time.Duration, error) {
		records, err := decodeRecords(raw, exists)
		if err != nil {
			return "", 0, err
		}
		for _, r := range records {
			if r.ID == id {
				return "", 0, ErrCredentialExists
			}
		}
		records = append(records, Record{ID: id, Secret: secret, State: StateNormal})
		next, err := encodeRecords(records)
		return next, 0, err
	})
}

// Remove deletes a credential from the pool.
func (p *Pool) Remove(ctx context.Context, id string) error {
	return p.store.Update(ctx, p.key, func(raw string, exists bool) (string, time.Duration, error) {
		records, err := decodeRecords(raw, exists)
		if err != nil {
			return "", 0, err
		}
		for i, r := range records {
			if r.ID == id {
				records = append(records[:i], records[i+1:]...)
				next, err := encodeRecords(records)
				return next, 0, err
			}
		}
		return "", 0, ErrCredentialNotFound
	})
}

// List returns the current pool sorted by ID, cooled-down promotions applied
// lazily first so operators see live state.
func (p *Pool) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := p.store.Update(ctx, p.key, func(raw string, exists bool) (string, time.Duration, error) {
		var err error
		records, err = decodeRecords(raw, exists)
		if err != nil {
			return "", 0, err
		}
		if !promoteCooledDown(records, time.Now()) {
			return "", 0, kv.ErrAbortUpdate
		}
		next, err := encodeRecords(records)
		return next, 0, err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Import merges seed records into the pool. Existing IDs are overwritten when
// replace is set and skipped otherwise. Returns how many records were added
// or replaced.
func (p *Pool) Import(ctx context.Context, seeds []Record, replace bool) (int, error) {
	applied := 0
	err := p.store.Update(ctx, p.key, func(raw string, exists bool) (string, time.Duration, error) {
		records, err := decodeRecords(raw, exists)
		if err != nil {
			return "", 0, err
		}
		applied = 0
		for _, seed := range seeds {
			if seed.State == "" {
				seed.State = StateNormal
			}
			found := false
			for i := range records {
				if records[i].ID == seed.ID {
					found = true
					if replace {
						records[i] = seed
						applied++
					}
					break
				}
			}
			if !found {
				records = append(records, seed)
				applied++
			}
		}
		next, err := encodeRecords(records)
		return next, 0, err
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
