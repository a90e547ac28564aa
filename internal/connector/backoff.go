package connector

import "time"

// Backoff returns base * 2^attempt, capped at max. Negative attempts return base.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		return base
	}
	// 2^30 times any sane base is already past any sane cap.
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
