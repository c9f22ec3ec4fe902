// ABOUTME: Tests for the duplicate-turn suppression cache
// ABOUTME: Validates window expiry, capacity eviction, and concurrent access

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_FirstSightIsNotDuplicate(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Duplicate("msg-1"))
	assert.True(t, cache.Duplicate("msg-1"))
}

func TestCache_ExpiredEntryIsFreshAgain(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Duplicate("msg-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Duplicate("msg-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Duplicate("msg-1")
	cache.Duplicate("msg-2")
	cache.Duplicate("msg-3")
	cache.Duplicate("msg-4") // evicts msg-1

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Duplicate("msg-1"))
	assert.True(t, cache.Duplicate("msg-4"))
}

func TestCache_DuplicateRefreshesOrder(t *testing.T) {
	cache := New(5*time.Minute, 2)
	defer cache.Close()

	cache.Duplicate("msg-1")
	cache.Duplicate("msg-2")
	cache.Duplicate("msg-1") // msg-1 is now the newest
	cache.Duplicate("msg-3") // evicts msg-2, not msg-1

	assert.True(t, cache.Duplicate("msg-1"))
	assert.False(t, cache.Duplicate("msg-2"))
}

func TestCache_RemoveExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Duplicate("msg-1")
	cache.Duplicate("msg-2")
	time.Sleep(20 * time.Millisecond)
	cache.removeExpired()

	assert.Equal(t, 0, cache.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cache.Duplicate(fmt.Sprintf("msg-%d-%d", worker, j))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
