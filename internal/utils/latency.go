package utils

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a fixed window of recent durations in a ring buffer.
type LatencyTracker struct {
	mu     sync.Mutex
	window []time.Duration
	next   int
	full   bool
	total  int64
}

// LatencySummary describes the current window.
type LatencySummary struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	Max     time.Duration
}

// NewLatencyTracker creates a tracker over the last size observations.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{window: make([]time.Duration, size)}
}

// Observe records d, evicting the oldest sample once the window is full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window[l.next] = d
	l.next = (l.next + 1) % len(l.window)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Len is the number of samples currently in the window.
func (l *LatencyTracker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.len()
}

// Total is the number of observations ever recorded.
func (l *LatencyTracker) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Percentile returns the nearest-rank percentile (0-100) of the window, or
// zero when empty.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := l.sorted()
	l.mu.Unlock()
	return percentile(sorted, p)
}

// Summary returns p50, p95 and max of the window.
func (l *LatencyTracker) Summary() LatencySummary {
	l.mu.Lock()
	sorted := l.sorted()
	l.mu.Unlock()
	if len(sorted) == 0 {
		return LatencySummary{}
	}
	return LatencySummary{
		Samples: len(sorted),
		P50:     percentile(sorted, 50),
		P95:     percentile(sorted, 95),
		Max:     sorted[len(sorted)-1],
	}
}

func (l *LatencyTracker) len() int {
	if l.full {
		return len(l.window)
	}
	return l.next
}

// sorted must be called with l.mu held.
func (l *LatencyTracker) sorted() []time.Duration {
	out := slices.Clone(l.window[:l.len()])
	slices.Sort(out)
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	rank := int(p/100*float64(n)+0.999999) - 1
	return sorted[max(0, min(rank, n-1))]
}
