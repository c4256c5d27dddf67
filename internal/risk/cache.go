package risk

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DayCache memoises a per-account value for one UTC day. The first access
// on a new day drops the previous generation; concurrent misses for the
// same key share one computation.
type DayCache[V any] struct {
	compute func(ctx context.Context, key string, day time.Time) (V, error)

	mu         sync.Mutex
	generation string
	values     map[string]V
	group      singleflight.Group
}

// NewDayCache creates a cache around compute
func NewDayCache[V any](compute func(ctx context.Context, key string, day time.Time) (V, error)) *DayCache[V] {
	return &DayCache[V]{compute: compute, values: make(map[string]V)}
}

// Get returns the value of key for the UTC day containing at
func (c *DayCache[V]) Get(ctx context.Context, key string, at time.Time) (V, error) {
	day := DayStart(at)
	gen := DayKey(day)

	c.mu.Lock()
	if c.generation != gen {
		c.generation = gen
		c.values = make(map[string]V)
	}
	if v, ok := c.values[key]; ok {
		c.mu.Unlock()
		cacheHits.Inc()
		return v, nil
	}
	c.mu.Unlock()
	cacheMisses.Inc()

	res, err, _ := c.group.Do(gen+"/"+key, func() (interface{}, error) {
		v, err := c.compute(ctx, key, day)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		// a late result for a past day must not leak into the new generation
		if c.generation == gen {
			c.values[key] = v
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Generation returns the day the cache currently holds
func (c *DayCache[V]) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
