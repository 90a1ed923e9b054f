package volatility

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cache holds the latest analysis per symbol for the status API and
// the in-session warning loop. Single writer, many readers.
type Cache struct {
	mu       sync.RWMutex
	bySymbol map[string]Analysis
	updated  time.Time

	logger zerolog.Logger
}

// NewCache creates an empty analysis cache.
func NewCache(logger zerolog.Logger) *Cache {
	return &Cache{
		bySymbol: make(map[string]Analysis),
		logger:   logger.With().Str("component", "VolatilityCache").Logger(),
	}
}

// Put stores the latest analysis for a symbol.
func (c *Cache) Put(a Analysis) {
	c.mu.Lock()
	c.bySymbol[a.Symbol] = a
	c.updated = time.Now()
	c.mu.Unlock()

	if a.IsVolatile {
		c.logger.Debug().
			Str("symbol", a.Symbol).
			Float64("score", a.VolatilityScore).
			Str("severity", a.Severity).
			Msg("Volatile market cached")
	}
}

// Get returns the cached analysis for a symbol.
func (c *Cache) Get(symbol string) (Analysis, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.bySymbol[symbol]
	return a, ok
}

// All returns a copy of every cached analysis.
func (c *Cache) All() []Analysis {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Analysis, 0, len(c.bySymbol))
	for _, a := range c.bySymbol {
		out = append(out, a)
	}
	return out
}

// LastUpdate is the time of the most recent Put.
func (c *Cache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}
