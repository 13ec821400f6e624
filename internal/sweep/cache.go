package sweep

import (
	"sync"

	"github.com/magistral/rxcycle/internal/domain/proactive"
)

// cache remembers the last outcome per patient under its evaluation key.
// A patient has at most one entry, so the cache is bounded by the roster.
type cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	key     string
	outcome proactive.Outcome
}

func newCache() *cache {
	return &cache{entries: make(map[string]cacheEntry)}
}

// seen reports whether patientID was last recorded with key and outcome
func (c *cache) seen(patientID, key string, outcome proactive.Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[patientID]
	return ok && e.key == key && e.outcome == outcome
}

func (c *cache) put(patientID, key string, outcome proactive.Outcome) {
	c.mu.Lock()
	c.entries[patientID] = cacheEntry{key: key, outcome: outcome}
	c.mu.Unlock()
}

func (c *cache) invalidate(patientID string) {
	c.mu.Lock()
	delete(c.entries, patientID)
	c.mu.Unlock()
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
