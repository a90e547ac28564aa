package domain

import "github.com/shopspring/decimal"

// HeldAsset is a balance on a venue as reported by the exchange connector.
type HeldAsset struct {
	Venue         string
	Asset         string
	Free          decimal.Decimal
	Locked        decimal.Decimal
	AvgEntryPrice decimal.Decimal // volume-weighted
	CostBasis     decimal.Decimal // total acquisition cost of Free+Locked
}

// Total returns free plus locked quantity.
func (h HeldAsset) Total() decimal.Decimal {
	return h.Free.Add(h.Locked)
}

// FreeCostBasis returns the cost basis attributable to the free quantity.
// When no cost basis was recorded it falls back to AvgEntryPrice × Free, and
// reports ok=false when neither is known.
func (h HeldAsset) FreeCostBasis() (basis decimal.Decimal, ok bool) {
	total := h.Total()
	if h.CostBasis.IsPositive() && total.IsPositive() {
		return h.CostBasis.Mul(h.Free).Div(total), true
	}
	if h.AvgEntryPrice.IsPositive() {
		return h.AvgEntryPrice.Mul(h.Free), true
	}
	return decimal.Zero, false
}
