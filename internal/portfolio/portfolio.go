// Package portfolio caches venue balances and overlays a cost-basis ledger for
// venues that do not report acquisition cost.
package portfolio

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// BalanceSource reports the balances held on one venue.
type BalanceSource interface {
	Venue() string
	GetBalances(ctx context.Context) ([]domain.HeldAsset, error)
}

// Portfolio is a concurrency-safe holdings cache.
type Portfolio struct {
	sources []BalanceSource
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	byVenue  map[string][]domain.HeldAsset
	basis    map[string]decimal.Decimal // venue:asset -> cost basis of the whole position
	lastSync time.Time
}

// New creates a Portfolio. basis seeds the cost-basis ledger, keyed by
// domain.SnapshotKey(venue, asset).
func New(sources []BalanceSource, basis map[string]decimal.Decimal, timeout time.Duration, logger *slog.Logger) *Portfolio {
	if basis == nil {
		basis = make(map[string]decimal.Decimal)
	}
	return &Portfolio{
		sources: sources,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "portfolio")),
		byVenue: make(map[string][]domain.HeldAsset),
		basis:   maps.Clone(basis),
	}
}

// Refresh pulls balances from every source. A failing venue keeps its
// previous holdings; the failures are returned joined.
func (p *Portfolio) Refresh(ctx context.Context) error {
	var errs []error
	for _, src := range p.sources {
		cctx := ctx
		var cancel context.CancelFunc = func() {}
		if p.timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, p.timeout)
		}
		held, err := src.GetBalances(cctx)
		cancel()
		if err != nil {
			p.logger.Warn("balance refresh failed",
				slog.String("venue", src.Venue()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", src.Venue(), err))
			continue
		}

		p.mu.Lock()
		p.byVenue[src.Venue()] = p.overlayLocked(src.Venue(), held)
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.lastSync = time.Now()
	p.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("portfolio: refresh: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Portfolio) overlayLocked(venue string, held []domain.HeldAsset) []domain.HeldAsset {
	out := make([]domain.HeldAsset, 0, len(held))
	for _, h := range held {
		h.Venue = venue
		if h.Total().IsZero() {
			continue
		}
		key := domain.SnapshotKey(venue, h.Asset)
		if h.CostBasis.IsZero() && h.AvgEntryPrice.IsZero() {
			if b, ok := p.basis[key]; ok {
				h.CostBasis = b
			}
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b domain.HeldAsset) int { return cmp.Compare(a.Asset, b.Asset) })
	return out
}

// Holdings returns a copy of every cached position across venues.
func (p *Portfolio) Holdings() []domain.HeldAsset {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []domain.HeldAsset
	for _, v := range slices.Sorted(maps.Keys(p.byVenue)) {
		out = append(out, p.byVenue[v]...)
	}
	return out
}

// LastSync returns when Refresh last completed.
func (p *Portfolio) LastSync() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}

// Apply records an executed conversion in the ledger: the from-asset basis is
// reduced pro rata by the quantity sold and the to-asset basis grows by the
// quote value received. Cached balances are adjusted so that layers see the
// conversion before the next Refresh.
func (p *Portfolio) Apply(r domain.ExecutionReceipt, quoteValue decimal.Decimal) {
	if r.Status != domain.ExecutionFilled && r.Status != domain.ExecutionPartial {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fromKey := domain.SnapshotKey(r.Venue, r.FromAsset)
	toKey := domain.SnapshotKey(r.Venue, r.ToAsset)

	held := p.byVenue[r.Venue]
	for i := range held {
		h := &held[i]
		switch h.Asset {
		case r.FromAsset:
			total := h.Total()
			if b, ok := p.basisOf(*h); ok && total.IsPositive() {
				remaining := total.Sub(r.QtyIn)
				if remaining.IsNegative() {
					remaining = decimal.Zero
				}
				p.basis[fromKey] = b.Mul(remaining).Div(total)
				h.CostBasis = p.basis[fromKey]
			}
			h.Free = h.Free.Sub(r.QtyIn)
			if h.Free.IsNegative() {
				h.Free = decimal.Zero
			}
		case r.ToAsset:
			h.Free = h.Free.Add(r.QtyOut)
		}
	}
	p.basis[toKey] = p.basis[toKey].Add(quoteValue)

	if !slices.ContainsFunc(held, func(h domain.HeldAsset) bool { return h.Asset == r.ToAsset }) && r.QtyOut.IsPositive() {
		held = append(held, domain.HeldAsset{Venue: r.Venue, Asset: r.ToAsset, Free: r.QtyOut})
	}
	for i := range held {
		if held[i].Asset == r.ToAsset {
			held[i].CostBasis = p.basis[toKey]
		}
	}
	slices.SortFunc(held, func(a, b domain.HeldAsset) int { return cmp.Compare(a.Asset, b.Asset) })
	p.byVenue[r.Venue] = held
}

func (p *Portfolio) basisOf(h domain.HeldAsset) (decimal.Decimal, bool) {
	if h.CostBasis.IsPositive() {
		return h.CostBasis, true
	}
	if b, ok := p.basis[domain.SnapshotKey(h.Venue, h.Asset)]; ok {
		return b, true
	}
	if h.AvgEntryPrice.IsPositive() {
		return h.AvgEntryPrice.Mul(h.Total()), true
	}
	return decimal.Zero, false
}

// Run refreshes on every tick until ctx is cancelled.
func (p *Portfolio) Run(ctx context.Context, interval time.Duration) error {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("initial balance refresh failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Failures are logged per venue inside Refresh.
			_ = p.Refresh(ctx)
		}
	}
}
