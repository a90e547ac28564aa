package market

import "sync"

// BaselineTracker keeps the last N observed 24h volumes per key and reports
// their trailing mean. The window always includes the latest observation, so
// feeding the same volume repeatedly yields the same baseline.
type BaselineTracker struct {
	window  int
	mu      sync.Mutex
	history map[string][]float64
}

// NewBaselineTracker creates a tracker that averages over window samples.
func NewBaselineTracker(window int) *BaselineTracker {
	if window < 1 {
		window = 1
	}
	return &BaselineTracker{
		window:  window,
		history: make(map[string][]float64),
	}
}

// Observe records vol for key and returns the updated trailing mean.
// Non-positive volumes are ignored and the current mean is returned.
func (b *BaselineTracker) Observe(key string, vol float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if vol > 0 {
		h := append(b.history[key], vol)
		if len(h) > b.window {
			h = h[len(h)-b.window:]
		}
		b.history[key] = h
	}
	return mean(b.history[key])
}

// Baseline returns the trailing mean for key, or 0 when nothing was observed.
func (b *BaselineTracker) Baseline(key string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return mean(b.history[key])
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
