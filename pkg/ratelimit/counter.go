package ratelimit

import (
	"sync"
	"time"
)

type entry struct {
	count   int
	expires time.Time
}

// Counter is a fixed-window counter store. Each key's window starts on its
// first hit and is evicted once it expires.
type Counter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewCounter(limit int, window time.Duration) *Counter {
	return &Counter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Allow records a hit for key and reports whether it is within the limit.
func (c *Counter) Allow(key string) bool {
	if c.limit <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictLocked(now)

	e, ok := c.entries[key]
	if !ok {
		e = &entry{expires: now.Add(c.window)}
		c.entries[key] = e
	}
	if e.count >= c.limit {
		return false
	}
	e.count++
	return true
}

// Len returns the number of live windows.
func (c *Counter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.now())
	return len(c.entries)
}

func (c *Counter) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
		}
	}
}
