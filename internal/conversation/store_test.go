// ABOUTME: Tests for the conversation continuity store
// ABOUTME: Verifies advance-on-success-only, destroy semantics, retention TTL, and mux bindings

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/kv"
)

func TestStore_LoadOrNew(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 0, nil)

	_, err := s.Load(ctx, "openai", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := s.LoadOrNew(ctx, "openai", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Turns)
	assert.Equal(t, "alice", rec.UserID)

	// LoadOrNew must not persist anything by itself.
	_, err = s.Load(ctx, "openai", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AdvancePersistsAndCounts(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 0, nil)

	rec, err := s.LoadOrNew(ctx, "openai", "alice")
	require.NoError(t, err)

	require.NoError(t, s.Advance(ctx, rec, Continuation{ParentMessageID: "m1"}))
	assert.Equal(t, 1, rec.Turns)

	loaded, err := s.Load(ctx, "openai", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Turns)
	assert.Equal(t, "m1", loaded.Continuation.ParentMessageID)

	require.NoError(t, s.Advance(ctx, loaded, Continuation{ParentMessageID: "m2"}))
	loaded, err = s.Load(ctx, "openai", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Turns)
	assert.Equal(t, "m2", loaded.Continuation.ParentMessageID)
}

func TestStore_RetentionTTL(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 30*time.Millisecond, nil)

	rec, err := s.LoadOrNew(ctx, "openai", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, rec, Continuation{}))

	_, err = s.Load(ctx, "openai", "alice")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = s.Load(ctx, "openai", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Destroy(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 0, nil)

	destroyed, err := s.Destroy(ctx, "openai", "alice")
	require.NoError(t, err)
	assert.False(t, destroyed)

	rec, err := s.LoadOrNew(ctx, "openai", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, rec, Continuation{}))

	destroyed, err = s.Destroy(ctx, "openai", "alice")
	require.NoError(t, err)
	assert.True(t, destroyed)

	_, err = s.Load(ctx, "openai", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DestroyAllCountsRecords(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 0, nil)

	for _, user := range []string{"alice", "bob"} {
		rec, err := s.LoadOrNew(ctx, "relay", user)
		require.NoError(t, err)
		require.NoError(t, s.Advance(ctx, rec, Continuation{}))
	}
	otherRec, err := s.LoadOrNew(ctx, "openai", "carol")
	require.NoError(t, err)
	require.NoError(t, s.Advance(ctx, otherRec, Continuation{}))

	count, err := s.DestroyAll(ctx, "relay")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Other backends are untouched.
	_, err = s.Load(ctx, "openai", "carol")
	require.NoError(t, err)

	count, err = s.DestroyAll(ctx, "relay")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 0, nil)

	for _, user := range []string{"alice", "bob"} {
		rec, err := s.LoadOrNew(ctx, "relay", user)
		require.NoError(t, err)
		require.NoError(t, s.Advance(ctx, rec, Continuation{}))
		time.Sleep(2 * time.Millisecond)
	}

	records, err := s.List(ctx, "relay")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alice", records[0].UserID)
	assert.Equal(t, "bob", records[1].UserID)
}

func TestStore_MuxBindings(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory(), 0, nil)

	id, err := s.MuxResolve(ctx, "mux", "alice")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.MuxBind(ctx, "mux", "alice", "conv-1"))
	require.NoError(t, s.MuxBind(ctx, "mux", "bob", "conv-1"))
	require.NoError(t, s.MuxBind(ctx, "mux", "carol", "conv-2"))

	id, err = s.MuxResolve(ctx, "mux", "alice")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)

	removed, err := s.MuxDestroy(ctx, "mux", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	id, err = s.MuxResolve(ctx, "mux", "carol")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", id)
}
