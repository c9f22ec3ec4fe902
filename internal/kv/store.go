// ABOUTME: Store interface for the shared coordination substrate
// ABOUTME: All cross-process state (queue, leases, credentials, conversations) lives behind it

package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrConflict is returned by Update when the optimistic transaction keeps
// losing races and runs out of attempts.
var ErrConflict = errors.New("update conflict")

// ErrAbortUpdate can be returned from an Update callback to leave the key
// untouched. Update then returns nil.
var ErrAbortUpdate = errors.New("abort update")

// Store is the narrow coordination interface shared by every subsystem.
// Concurrent request handlers have no in-process shared memory; they
// coordinate exclusively through a Store implementation. Mutations of
// structured values must go through Update so they are read-modify-write
// against the latest stored state.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key does not exist. Returns true if stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns all keys matching a glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// RPush appends values to the list at key and returns the new length.
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	// LPop removes and returns the head of the list, or ErrNotFound.
	LPop(ctx context.Context, key string) (string, error)
	// LIndex returns the element at index, or ErrNotFound.
	LIndex(ctx context.Context, key string, index int64) (string, error)
	// LLen returns the list length (0 for a missing key).
	LLen(ctx context.Context, key string) (int64, error)
	// LTrim keeps only the elements between start and stop, inclusive.
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LRem removes all occurrences of value from the list.
	LRem(ctx context.Context, key, value string) (int64, error)

	// Update atomically applies fn to the current value of key. fn receives
	// the current value (empty string when the key is absent) and returns
	// the replacement value plus the ttl to store it with. Implementations
	// retry on write conflicts and return ErrConflict when they give up.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Ping verifies connectivity to the underlying store.
	Ping(ctx context.Context) error

	Close() error
}

// UpdateFunc computes the next value for a key inside Update.
type UpdateFunc func(current string, exists bool) (next string, ttl time.Duration, err error)
