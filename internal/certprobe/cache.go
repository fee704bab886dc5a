package certprobe

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// entry is a cached probe outcome, including a cached failure — a prior
// error is itself worth remembering for the TTL window, so a flapping
// server doesn't get re-probed on every iteration.
type entry struct {
	cert      *Certificate
	err       error
	fetchedAt time.Time
}

// Cache holds at most one entry per (host, port), fetched lazily and
// revalidated after ttl elapses. A ttl of 0 disables caching entirely —
// every lookup re-probes. The cache is written from a single iteration at a
// time, so a plain RWMutex is sufficient; there is no cross-iteration
// concurrent writer to race against.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	driver  string

	// probe is Probe by default; tests override it to count invocations
	// without touching the network.
	probe func(ctx context.Context, driver, host string, port int, now time.Time) (*Certificate, error)
}

// NewCache constructs a cache for the given dialect ("postgres" or
// "mysql") and time-to-live.
func NewCache(driver string, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		driver:  driver,
		probe:   Probe,
	}
}

func cacheKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Get returns the cached certificate (or cached error) for host:port if it
// is within ttl, otherwise probes fresh and stores the result — success or
// failure — before returning it.
func (c *Cache) Get(ctx context.Context, host string, port int, now time.Time) (*Certificate, error) {
	key := cacheKey(host, port)

	if c.ttl > 0 {
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && now.Sub(e.fetchedAt) < c.ttl {
			return e.cert, e.err
		}
	}

	cert, err := c.probe(ctx, c.driver, host, port, now)

	c.mu.Lock()
	c.entries[key] = entry{cert: cert, err: err, fetchedAt: now}
	c.mu.Unlock()

	return cert, err
}
