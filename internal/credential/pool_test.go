// ABOUTME: Tests for credential pool selection, cooldown recovery, and degraded mode
// ABOUTME: Exercises the pool against the in-memory kv store

package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/kv"
)

func testPool(t *testing.T, records ...Record) *Pool {
	t.Helper()
	p := NewPool(kv.NewMemory(), "relay", 0, nil)
	if len(records) > 0 {
		_, err := p.Import(context.Background(), records, true)
		require.NoError(t, err)
	}
	return p
}

func TestPool_SelectPrefersLeastUsed(t *testing.T) {
	ctx := context.Background()
	p := testPool(t,
		Record{ID: "t1", Secret: "s1", State: StateNormal, Usage: 2},
		Record{ID: "t2", Secret: "s2", State: StateNormal, Usage: 0},
	)

	sel, err := p.Select(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "t2", sel.Record.ID)
	assert.Equal(t, 1, sel.Record.Usage)
	assert.False(t, sel.Degraded)

	// The increment must be persisted, not local.
	records, err := p.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, records[1].Usage)
}

func TestPool_SelectTieBreaksOnID(t *testing.T) {
	ctx := context.Background()
	p := testPool(t,
		Record{ID: "b", Secret: "s", State: StateNormal},
		Record{ID: "a", Secret: "s", State: StateNormal},
	)

	sel, err := p.Select(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Record.ID)
}

func TestPool_CooldownRecovery(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Second)
	future := time.Now().Add(6 * time.Hour)
	p := testPool(t,
		Record{ID: "cooled", Secret: "s", State: StateRestricted, Usage: 9, CooldownUntil: &past},
		Record{ID: "resting", Secret: "s", State: StateRestricted, Usage: 1, CooldownUntil: &future},
	)

	// The cooled-down record is promoted back to normal with usage reset and
	// wins selection; the still-resting one stays excluded.
	sel, err := p.Select(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "cooled", sel.Record.ID)
	assert.Equal(t, StateNormal, sel.Record.State)
	assert.Equal(t, 1, sel.Record.Usage) // reset to 0, then incremented

	records, err := p.List(ctx)
	require.NoError(t, err)
	for _, r := range records {
		if r.ID == "resting" {
			assert.Equal(t, StateRestricted, r.State)
		}
	}
}

func TestPool_RestrictedExcludedFromNormalSelection(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	p := testPool(t,
		Record{ID: "limited", Secret: "s", State: StateRestricted, Usage: 0, CooldownUntil: &future},
		Record{ID: "busy", Secret: "s", State: StateNormal, Usage: 50},
	)

	sel, err := p.Select(ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "busy", sel.Record.ID)
}

func TestPool_AllThrottledDegradedSelection(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	p := testPool(t,
		Record{ID: "r1", Secret: "s", State: StateRestricted, Usage: 5, CooldownUntil: &future},
		Record{ID: "r2", Secret: "s", State: StateRestricted, Usage: 2, CooldownUntil: &future},
	)

	// Every restricted credential already tried: degrade instead of failing.
	sel, err := p.Select(ctx, "", []string{"r1", "r2"})
	require.NoError(t, err)
	assert.True(t, sel.Degraded)
	assert.Equal(t, "r2", sel.Record.ID)
}

func TestPool_NoCredentialWhenRestrictedButUntried(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	p := testPool(t,
		Record{ID: "r1", Secret: "s", State: StateRestricted, CooldownUntil: &future},
	)

	_, err := p.Select(ctx, "", nil)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestPool_EmptyPool(t *testing.T) {
	ctx := context.Background()
	p := testPool(t)

	_, err := p.Select(ctx, "", nil)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestPool_StickySelection(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	p := testPool(t,
		Record{ID: "bound", Secret: "s", State: StateRestricted, Usage: 30, CooldownUntil: &future},
		Record{ID: "fresh", Secret: "s", State: StateNormal, Usage: 0},
	)

	// Sticky wins even while restricted: session consistency over balance.
	sel, err := p.Select(ctx, "bound", nil)
	require.NoError(t, err)
	assert.Equal(t, "bound", sel.Record.ID)

	// Once the sticky credential has been tried this attempt, rotation kicks in.
	sel, err = p.Select(ctx, "bound", []string{"bound"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", sel.Record.ID)

	// A sticky hint for a credential no longer in the pool is ignored.
	sel, err = p.Select(ctx, "gone", nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", sel.Record.ID)
}

func TestPool_MarkRateLimited(t *testing.T) {
	ctx := context.Background()
	p := testPool(t, Record{ID: "t1", Secret: "s", State: StateNormal})

	require.NoError(t, p.MarkRateLimited(ctx, "t1"))

	records, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StateRestricted, records[0].State)
	require.NotNil(t, records[0].CooldownUntil)
	assert.WithinDuration(t, time.Now().Add(DefaultCooldown), *records[0].CooldownUntil, time.Minute)

	assert.ErrorIs(t, p.MarkRateLimited(ctx, "missing"), ErrCredentialNotFound)
}

func TestPool_ExceptionLifecycle(t *testing.T) {
	ctx := context.Background()
	p := testPool(t, Record{ID: "t1", Secret: "s", State: StateNormal})

	require.NoError(t, p.NoteAuthFailure(ctx, "t1"))
	require.NoError(t, p.NoteAuthFailure(ctx, "t1"))

	records, err := p.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, records[0].Exception)

	require.NoError(t, p.ClearException(ctx, "t1"))
	records, err = p.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, records[0].Exception)
}

func TestPool_AddRemove(t *testing.T) {
	ctx := context.Background()
	p := testPool(t)

	require.NoError(t, p.Add(ctx, "t1", "secret"))
	assert.ErrorIs(t, p.Add(ctx, "t1", "other"), ErrCredentialExists)

	require.NoError(t, p.Remove(ctx, "t1"))
	assert.ErrorIs(t, p.Remove(ctx, "t1"), ErrCredentialNotFound)
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.toml")
	content := `
[[credentials]]
id = "acct-1"
secret = "cookie-one"

[[credentials]]
id = "acct-2"
secret = "cookie-two"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	records, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "acct-1", records[0].ID)
	assert.Equal(t, StateNormal, records[0].State)

	_, err = LoadSeedFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestPool_ImportSkipsExistingWithoutReplace(t *testing.T) {
	ctx := context.Background()
	p := testPool(t, Record{ID: "t1", Secret: "old", State: StateNormal, Usage: 3})

	applied, err := p.Import(ctx, []Record{
		{ID: "t1", Secret: "new"},
		{ID: "t2", Secret: "fresh"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	records, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "old", records[0].Secret)
	assert.Equal(t, 3, records[0].Usage)
}
