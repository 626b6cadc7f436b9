package scorer

import "sync"

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{scores: make(map[string]float64)}
}

func (c *MemoryCache) Get(sequence string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.scores[sequence]
	return v, ok
}

func (c *MemoryCache) Put(sequence string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores[sequence] = score
	return nil
}

// Len returns the number of cached scores.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scores)
}
