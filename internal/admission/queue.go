// ABOUTME: Lease-based FIFO admission queue serializing access to single-seat backends
// ABOUTME: Queue and lease live in the shared kv store so independent processes coordinate

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/seance-gateway/internal/kv"
)

// ErrQueueEmpty is returned by PopHead when there is nothing to pop.
var ErrQueueEmpty = errors.New("admission queue is empty")

// Defaults mirror the behavior the queue was tuned for: waiters poll fast
// enough that reaping a stalled leader costs at most one interval, and the
// lease outlives any healthy backend turn.
const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultLeaseTTL     = 2 * time.Minute
)

// Options configures a Queue.
type Options struct {
	// LeaseTTL bounds how long a leader may hold the seat before any waiter
	// may reap it. Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration
	// PollInterval is how often waiters re-check the head. Zero means
	// DefaultPollInterval. Shorter intervals trade store round-trips for
	// admission latency.
	PollInterval time.Duration
}

// Queue serializes requests to a backend that can process only one
// conversation turn at a time system-wide. Waiters hold a position in a
// shared list; the head of the list owns a TTL'd lease on the seat. The
// lease is fail-open: a crashed or hung leader never has to release it,
// expiry plus any waiter's reap restores liveness.
type Queue struct {
	store        kv.Store
	logger       *slog.Logger
	queueKey     string
	leaseKey     string
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// NewQueue creates the admission queue for one backend.
func NewQueue(store kv.Store, backendID string, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Queue{
		store:        store,
		logger:       logger.With("component", "admission", "backend", backendID),
		queueKey:     "seance:queue:" + backendID,
		leaseKey:     "seance:queue:" + backendID + ":lease",
		leaseTTL:     opts.LeaseTTL,
		pollInterval: opts.PollInterval,
	}
}

// NewTicket returns a fresh opaque ticket ID.
func NewTicket() string {
	return uuid.New().String()
}

// Enqueue appends ticketID to the tail and returns how many tickets are
// ahead of it.
func (q *Queue) Enqueue(ctx context.Context, ticketID string) (int64, error) {
	length, err := q.store.RPush(ctx, q.queueKey, ticketID)
	if err != nil {
		return 0, fmt.Errorf("enqueueing ticket: %w", err)
	}
	return length - 1, nil
}

// TryLead reports whether ticketID is currently at the head of the queue.
func (q *Queue) TryLead(ctx context.Context, ticketID string) (bool, error) {
	head, err := q.store.LIndex(ctx, q.queueKey, 0)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading queue head: %w", err)
	}
	return head == ticketID, nil
}

// AcquireLease claims the admission seat for ticketID. Only valid when
// TryLead is true; the claim expires on its own after the lease TTL.
func (q *Queue) AcquireLease(ctx context.Context, ticketID string) error {
	if err := q.store.Set(ctx, q.leaseKey, ticketID, q.leaseTTL); err != nil {
		return fmt.Errorf("acquiring lease: %w", err)
	}
	return nil
}

// Release pops ticketID from the head, whether the turn succeeded or errored,
// freeing the seat for the next ticket. The lease is left in place: until the
// new head overwrites it on its next poll, "no lease + waiters" would read as
// a stalled leader and let a reap skip past the rightful head. The leftover
// lease expires on its own once the queue stays empty.
func (q *Queue) Release(ctx context.Context, ticketID string) error {
	if _, err := q.store.LPop(ctx, q.queueKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("releasing queue head: %w", err)
	}
	return nil
}

// ReapIfExpired pops the stale head if the current lease has expired and
// immediately re-leases to the new head. Any waiter can call this; liveness
// never depends on the stalled leader reaping itself. Returns the reaped
// ticket ID, or "" if the lease was still live.
func (q *Queue) ReapIfExpired(ctx context.Context) (string, error) {
	exists, err := q.store.Exists(ctx, q.leaseKey)
	if err != nil {
		return "", fmt.Errorf("checking lease: %w", err)
	}
	if exists {
		return "", nil
	}
	length, err := q.store.LLen(ctx, q.queueKey)
	if err != nil {
		return "", fmt.Errorf("checking queue length: %w", err)
	}
	if length == 0 {
		return "", nil
	}

	stale, err := q.store.LPop(ctx, q.queueKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("popping stale head: %w", err)
	}
	q.logger.Warn("reaped expired queue leader", "ticket", stale)

	// Promote the next in line so its lease clock starts now even if the
	// owning caller is mid-poll.
	next, err := q.store.LIndex(ctx, q.queueKey, 0)
	if err == nil {
		if leaseErr := q.store.Set(ctx, q.leaseKey, next, q.leaseTTL); leaseErr != nil {
			return stale, fmt.Errorf("re-leasing to new head: %w", leaseErr)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return stale, fmt.Errorf("reading new head: %w", err)
	}
	return stale, nil
}

// Admit enqueues ticketID and blocks until it holds the admission lease.
// Returns the number of tickets that were ahead at enqueue time. The caller
// must call Release on every exit path once admitted. On context
// cancellation the ticket is removed from the queue before returning.
func (q *Queue) Admit(ctx context.Context, ticketID string) (int64, error) {
	ahead, err := q.Enqueue(ctx, ticketID)
	if err != nil {
		return 0, err
	}

	lead, err := q.TryLead(ctx, ticketID)
	if err != nil {
		q.abandon(ticketID)
		return ahead, err
	}
	if lead {
		if err := q.AcquireLease(ctx, ticketID); err != nil {
			q.abandon(ticketID)
			return ahead, err
		}
		return ahead, nil
	}

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.abandon(ticketID)
			return ahead, ctx.Err()
		case <-ticker.C:
		}

		lead, err := q.TryLead(ctx, ticketID)
		if err != nil {
			q.abandon(ticketID)
			return ahead, err
		}
		if lead {
			if err := q.AcquireLease(ctx, ticketID); err != nil {
				q.abandon(ticketID)
				return ahead, err
			}
			return ahead, nil
		}

		// Not leading yet: make sure a stalled leader cannot starve us.
		if _, err := q.ReapIfExpired(ctx); err != nil {
			q.logger.Warn("reap check failed", "error", err)
		}
	}
}

// abandon removes a ticket that will never be served. Best effort with a
// fresh context since the caller's may already be cancelled.
func (q *Queue) abandon(ticketID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := q.store.LRem(ctx, q.queueKey, ticketID); err != nil {
		q.logger.Warn("failed to remove abandoned ticket", "ticket", ticketID, "error", err)
	}
}

// Len returns the number of waiting tickets, the serving head included.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, q.queueKey)
}

// Drain drops all waiters. When a lease is pending release the current head
// is kept so the in-flight turn can still release itself cleanly. Returns
// the number of dropped tickets.
func (q *Queue) Drain(ctx context.Context) (int64, error) {
	length, err := q.store.LLen(ctx, q.queueKey)
	if err != nil {
		return 0, fmt.Errorf("checking queue length: %w", err)
	}
	if length == 0 {
		return 0, nil
	}

	leased, err := q.store.Exists(ctx, q.leaseKey)
	if err != nil {
		return 0, fmt.Errorf("checking lease: %w", err)
	}
	if leased {
		if err := q.store.LTrim(ctx, q.queueKey, 0, 0); err != nil {
			return 0, fmt.Errorf("draining waiters: %w", err)
		}
		return length - 1, nil
	}
	if err := q.store.LTrim(ctx, q.queueKey, 1, 0); err != nil {
		return 0, fmt.Errorf("draining queue: %w", err)
	}
	return length, nil
}

// PopHead force-removes the current head. Operator escape hatch for a turn
// that is stuck but still holds a live lease.
func (q *Queue) PopHead(ctx context.Context) (string, error) {
	head, err := q.store.LPop(ctx, q.queueKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("popping queue head: %w", err)
	}
	if _, err := q.store.Delete(ctx, q.leaseKey); err != nil {
		q.logger.Warn("failed to drop lease after pop", "error", err)
	}
	return head, nil
}

// LeaseHolder returns the ticket currently being served, or "" when the seat
// is free. The lease counts only while its ticket is still the queue head; a
// lease left over from a released head names no serving ticket.
func (q *Queue) LeaseHolder(ctx context.Context) (string, error) {
	holder, err := q.store.Get(ctx, q.leaseKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	head, err := q.store.LIndex(ctx, q.queueKey, 0)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if head != holder {
		return "", nil
	}
	return holder, nil
}
