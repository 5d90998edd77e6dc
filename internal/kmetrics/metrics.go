package kmetrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyMetrics tracks a latency distribution via P50/P90/P95/P99
// percentile estimates over time.Duration observations. Grounded on the
// teacher's LatencyMetrics (metrics.go); the sample buffer used for
// backward-compatible exact percentiles at low sample counts is dropped
// here since kerncore has no compatibility contract to preserve — the
// P-Square estimator is used unconditionally.
type LatencyMetrics struct {
	mu    sync.RWMutex
	multi *MultiQuantile
	sum   time.Duration
	n     int
}

// Record adds an observation. Thread-safe.
func (l *LatencyMetrics) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.multi == nil {
		l.multi = NewMultiQuantile(0.50, 0.90, 0.95, 0.99)
	}
	l.multi.Update(float64(d))
	l.sum += d
	l.n++
}

// Snapshot is a point-in-time, allocation-free copy of LatencyMetrics.
type Snapshot struct {
	P50, P90, P95, P99, Max, Mean time.Duration
	Count                         int
}

// Snapshot returns the current percentile estimates.
func (l *LatencyMetrics) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.multi == nil || l.n == 0 {
		return Snapshot{}
	}
	return Snapshot{
		P50:   time.Duration(l.multi.Quantile(0)),
		P90:   time.Duration(l.multi.Quantile(1)),
		P95:   time.Duration(l.multi.Quantile(2)),
		P99:   time.Duration(l.multi.Quantile(3)),
		Max:   time.Duration(l.multi.Max()),
		Mean:  l.sum / time.Duration(l.n),
		Count: l.n,
	}
}

// Counters holds the plain atomic counters the kernel exposes for
// observability: page faults, frame evictions, cache hits/misses. Modeled
// on the teacher's atomic-counter fields in Metrics (TPS, Queue depths) —
// cheap enough to update unconditionally on every hot-path call.
type Counters struct {
	PageFaults     atomic.Uint64
	FrameEvictions atomic.Uint64
	SwapWrites     atomic.Uint64
	SwapReads      atomic.Uint64
	CacheHits      atomic.Uint64
	CacheMisses    atomic.Uint64
	CacheEvictions atomic.Uint64
	CacheFlushes   atomic.Uint64
}

// CacheHitRate returns hits / (hits + misses), or 0 if there have been no
// lookups yet.
func (c *Counters) CacheHitRate() float64 {
	hits := c.CacheHits.Load()
	misses := c.CacheMisses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
