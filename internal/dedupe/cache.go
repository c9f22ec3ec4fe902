// ABOUTME: Thread-safe TTL cache suppressing duplicate inbound turns
// ABOUTME: Keyed by frontend message ID; O(1) eviction via insertion-order list

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults sized for chat traffic: frontends redeliver within seconds, so a
// few minutes of memory is plenty, and one entry per recent message stays
// small even on busy gateways.
const (
	DefaultWindow  = 5 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache suppresses duplicate inbound turns. Frontends redeliver messages on
// reconnect and users double-send under lag; without suppression each copy
// would burn a queue slot and a credential selection. Insertion order is kept
// in a linked list so eviction at capacity is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	window  time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache. Zero window or maxSize take the defaults. A background
// goroutine sweeps expired entries; call Close to stop it.
func New(window time.Duration, maxSize int) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Duplicate atomically reports whether messageID was already seen inside the
// window, marking it as seen when it was not. A single locked operation so two
// copies of the same message racing each other cannot both pass.
func (c *Cache) Duplicate(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[messageID]; ok && time.Since(e.seenAt) < c.window {
		return true
	}
	c.markLocked(messageID)
	return false
}

// markLocked records messageID. Must be called with mu held.
func (c *Cache) markLocked(messageID string) {
	now := time.Now()

	if e, ok := c.seen[messageID]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			key, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, key)
		}
	}

	c.seen[messageID] = &entry{seenAt: now, element: c.order.PushBack(messageID)}
}

// Len returns the number of tracked message IDs, expired ones included until
// the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		key, _ := elem.Value.(string)
		e := c.seen[key]
		if e == nil || now.Sub(e.seenAt) > c.window {
			c.order.Remove(elem)
			delete(c.seen, key)
		}
		elem = next
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
