package domain

import (
	"math"
	"time"
)

// MarketSnapshot is the captured market state for one symbol on one venue.
// Snapshots are values: a refresh replaces them, nothing mutates them.
type MarketSnapshot struct {
	Venue          string
	Symbol         string
	LastPrice      float64
	Change24hPct   float64
	Volume24h      float64
	VolumeBaseline float64 // trailing mean of Volume24h across refreshes; 0 when unknown
	Bid            float64
	Ask            float64
	CapturedAt     time.Time
}

// Key returns the cache key "venue:symbol".
func (s MarketSnapshot) Key() string {
	return SnapshotKey(s.Venue, s.Symbol)
}

// SnapshotKey builds the cache key for a venue and symbol.
func SnapshotKey(venue, symbol string) string {
	return venue + ":" + symbol
}

// Mid returns the bid/ask midpoint, falling back to the last price when the
// book side is missing.
func (s MarketSnapshot) Mid() float64 {
	if s.Bid > 0 && s.Ask > 0 && s.Ask >= s.Bid {
		return (s.Bid + s.Ask) / 2
	}
	return s.LastPrice
}

// SpreadBps returns the quoted spread in basis points of the mid. It returns
// NaN when the book is missing or crossed so callers can treat it as absent.
func (s MarketSnapshot) SpreadBps() float64 {
	if s.Bid <= 0 || s.Ask <= 0 || s.Ask < s.Bid {
		return math.NaN()
	}
	mid := (s.Bid + s.Ask) / 2
	return (s.Ask - s.Bid) / mid * 10_000
}

// Age returns how long ago the snapshot was captured relative to now.
func (s MarketSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}
