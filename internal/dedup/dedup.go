// Package dedup provides an in-memory TTL cache used to drop duplicate
// webhook deliveries (Slack retries events that are not acked fast
// enough).
package dedup

import (
	"sync"
	"time"
)

const defaultTTL = 5 * time.Minute

type Options struct {
	// TTL is how long a recorded ID suppresses duplicates. Defaults to
	// five minutes.
	TTL time.Duration
	// Now overrides the clock for tests.
	Now func() time.Time
}

type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewCache(opts Options) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:  ttl,
		now:  now,
		seen: make(map[string]time.Time),
	}
}

// SeenOrRecord reports whether id was recorded within the TTL window,
// recording it when absent. Expired entries are purged on every call so
// the cache stays bounded by the event rate.
func (c *Cache) SeenOrRecord(id string) bool {
	now := c.now()
	cutoff := now.Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = now
	return false
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
