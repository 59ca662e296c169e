package pricecache

import (
	"sync"

	"pricefeed/pkg/ticker"
)

// Cache holds the latest known Tick per symbol. Reads return copies so
// consumers can never mutate the stored state.
type Cache struct {
	mu   sync.RWMutex
	data map[string]ticker.Tick
}

func New() *Cache {
	return &Cache{
		data: make(map[string]ticker.Tick),
	}
}

// Set unconditionally overwrites the entry for the tick's symbol.
func (c *Cache) Set(t ticker.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[t.Symbol] = t
}

// Get returns the latest tick for a symbol.
func (c *Cache) Get(symbol string) (ticker.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.data[symbol]
	return t, ok
}

// All returns a snapshot of the cache contents.
func (c *Cache) All() map[string]ticker.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ticker.Tick, len(c.data))
	for sym, t := range c.data {
		out[sym] = t
	}
	return out
}

// Len returns the number of symbols currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Clear empties the cache. Used on disconnect and mode switches.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]ticker.Tick)
}
