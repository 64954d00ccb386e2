package cache

type counters struct {
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Metrics is a snapshot of cumulative cache counters since the last reset.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Size        int
}

// HitRate returns hits as a percentage of lookups.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total) * 100
}

// Metrics returns a snapshot of the counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Hits:        c.stats.hits,
		Misses:      c.stats.misses,
		Evictions:   c.stats.evictions,
		Expirations: c.stats.expirations,
		Size:        len(c.entries),
	}
}

// ResetMetrics zeroes the counters. Size is not a counter and is unaffected.
func (c *Cache) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = counters{}
}
