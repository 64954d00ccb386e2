package cache

import (
	"context"
	"log/slog"
	"time"
)

// Sampler periodically logs cache metrics. It is advisory only.
type Sampler struct {
	cache      *Cache
	interval   time.Duration
	minHitRate float64
	logger     *slog.Logger
	last       Metrics
}

// NewSampler creates a sampler. minHitRate is a percentage in [0, 100], the
// unit of Metrics.HitRate. A window hit rate below it is logged as a warning;
// 0 disables the warning.
func NewSampler(c *Cache, interval time.Duration, minHitRate float64, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sampler{
		cache:      c,
		interval:   interval,
		minHitRate: minHitRate,
		logger:     logger,
	}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample takes one sample and returns the metrics of the window since the
// previous sample. A counter reset between samples starts a fresh window.
func (s *Sampler) Sample() Metrics {
	cur := s.cache.Metrics()
	window := Metrics{Size: cur.Size}
	if cur.Hits >= s.last.Hits && cur.Misses >= s.last.Misses {
		window.Hits = cur.Hits - s.last.Hits
		window.Misses = cur.Misses - s.last.Misses
		window.Evictions = cur.Evictions - min(cur.Evictions, s.last.Evictions)
		window.Expirations = cur.Expirations - min(cur.Expirations, s.last.Expirations)
	} else {
		window.Hits, window.Misses = cur.Hits, cur.Misses
		window.Evictions, window.Expirations = cur.Evictions, cur.Expirations
	}
	s.last = cur

	s.logger.Info("cache sample",
		"hits", window.Hits,
		"misses", window.Misses,
		"evictions", window.Evictions,
		"expirations", window.Expirations,
		"size", window.Size,
		"hitRate", window.HitRate(),
	)
	if s.minHitRate > 0 && window.Hits+window.Misses > 0 && window.HitRate() < s.minHitRate {
		s.logger.Warn("cache hit rate below threshold",
			"hitRate", window.HitRate(),
			"threshold", s.minHitRate,
		)
	}
	return window
}
