// Package paper is an in-memory venue: balances, prices and fills are
// simulated locally. It prices either from seeded values walked randomly on
// each refresh or from an upstream feed such as public Binance tickers.
package paper

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Venue is the connector's venue name.
const Venue = "paper"

// Feed supplies upstream snapshots to price the paper venue.
type Feed interface {
	GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error)
}

// Config seeds the paper venue.
type Config struct {
	QuoteAsset    string
	FeeBps        float64
	VolatilityPct float64
	Balances      map[string]float64
	CostBasis     map[string]float64
	Prices        map[string]float64
	Seed          uint64
}

// Connector implements domain.Connector in memory.
type Connector struct {
	quote  string
	feeBps decimal.Decimal
	vol    float64
	feed   Feed
	now    func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	balances map[string]decimal.Decimal
	basis    map[string]decimal.Decimal
	snaps    map[string]domain.MarketSnapshot
	open     map[string]float64 // reference price for Change24hPct
	receipts map[string]domain.ExecutionReceipt
	orderSeq int64
}

var _ domain.Connector = (*Connector)(nil)

// New creates a paper venue. feed may be nil.
func New(cfg Config, feed Feed) *Connector {
	c := &Connector{
		quote:    cfg.QuoteAsset,
		feeBps:   decimal.NewFromFloat(cfg.FeeBps),
		vol:      cfg.VolatilityPct,
		feed:     feed,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		balances: make(map[string]decimal.Decimal),
		basis:    make(map[string]decimal.Decimal),
		snaps:    make(map[string]domain.MarketSnapshot),
		open:     make(map[string]float64),
		receipts: make(map[string]domain.ExecutionReceipt),
	}
	for a, q := range cfg.Balances {
		c.balances[a] = decimal.NewFromFloat(q)
	}
	for a, b := range cfg.CostBasis {
		c.basis[a] = decimal.NewFromFloat(b)
	}
	for a, p := range cfg.Prices {
		c.SetSnapshot(domain.MarketSnapshot{Symbol: a, LastPrice: p, Bid: p, Ask: p, Volume24h: 1_000_000})
		c.open[a] = p
	}
	return c
}

// WithClock replaces the time source used for snapshots and fills.
func (c *Connector) WithClock(now func() time.Time) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Venue implements domain.Connector.
func (c *Connector) Venue() string { return Venue }

// QuoteAsset implements domain.Connector.
func (c *Connector) QuoteAsset() string { return c.quote }

// SetSnapshot installs or replaces the snapshot for s.Symbol.
func (c *Connector) SetSnapshot(s domain.MarketSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Venue = Venue
	if s.CapturedAt.IsZero() {
		s.CapturedAt = c.now()
	}
	c.snaps[s.Symbol] = s
}

// SetBalance sets the free quantity and total cost basis of asset.
func (c *Connector) SetBalance(asset string, free, costBasis decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[asset] = free
	c.basis[asset] = costBasis
}

// GetSnapshots returns the current simulated market.
func (c *Connector) GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error) {
	if c.feed != nil {
		upstream, err := c.feed.GetSnapshots(ctx)
		if err != nil {
			return nil, fmt.Errorf("paper: feed: %w", err)
		}
		for _, s := range upstream {
			c.SetSnapshot(s)
		}
	} else {
		c.walk()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Collect(maps.Values(c.snaps))
	slices.SortFunc(out, func(a, b domain.MarketSnapshot) int { return cmp.Compare(a.Symbol, b.Symbol) })
	return out, nil
}

// walk moves every seeded price one random step and rebuilds the book. Every
// snapshot is re-stamped, including at zero volatility.
func (c *Connector) walk() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for sym, s := range c.snaps {
		s.CapturedAt = now
		if p := s.LastPrice * (1 + c.rng.NormFloat64()*c.vol/100); c.vol > 0 && p > 0 {
			half := p * 5 / 1e4 * (1 + c.rng.Float64())
			s.LastPrice = p
			s.Bid, s.Ask = p-half, p+half
			s.Volume24h *= math.Max(0.2, 1+c.rng.NormFloat64()*0.3)
			if o := c.open[sym]; o > 0 {
				s.Change24hPct = (p - o) / o * 100
			}
		}
		c.snaps[sym] = s
	}
}

// GetBalances returns every non-zero balance with its cost basis.
func (c *Connector) GetBalances(context.Context) ([]domain.HeldAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.HeldAsset, 0, len(c.balances))
	for _, a := range slices.Sorted(maps.Keys(c.balances)) {
		q := c.balances[a]
		if !q.IsPositive() {
			continue
		}
		out = append(out, domain.HeldAsset{Venue: Venue, Asset: a, Free: q, CostBasis: c.basis[a]})
	}
	return out, nil
}

// Execute fills the conversion at last prices less the venue fee, charged
// once per leg. Replaying a clientOrderID returns the original receipt.
func (c *Connector) Execute(_ context.Context, opp domain.ScoredOpportunity, clientOrderID string) (domain.ExecutionReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.receipts[clientOrderID]; ok {
		return r, nil
	}

	cand := opp.Candidate
	rec := domain.ExecutionReceipt{
		ClientOrderID: clientOrderID,
		Venue:         Venue,
		FromAsset:     cand.FromAsset,
		ToAsset:       cand.ToAsset,
		ExecutedAt:    c.now(),
	}
	reject := func(format string, args ...any) (domain.ExecutionReceipt, error) {
		err := fmt.Errorf("paper: execute %s: %w: "+format, append([]any{cand, domain.ErrExecution}, args...)...)
		rec.Status = domain.ExecutionRejected
		rec.Error = err.Error()
		c.receipts[clientOrderID] = rec
		return rec, err
	}

	qty := decimal.NewFromFloat(opp.Quantity)
	if !qty.IsPositive() {
		return reject("non-positive quantity")
	}
	have := c.balances[cand.FromAsset]
	if have.LessThan(qty) {
		return reject("insufficient %s balance: have %s, need %s", cand.FromAsset, have, qty)
	}
	fromPx, ok := c.priceLocked(cand.FromAsset)
	if !ok {
		return reject("no price for %s", cand.FromAsset)
	}
	toPx, ok := c.priceLocked(cand.ToAsset)
	if !ok {
		return reject("no price for %s", cand.ToAsset)
	}

	legs := int64(2)
	if cand.FromAsset == c.quote || cand.ToAsset == c.quote {
		legs = 1
	}
	value := qty.Mul(fromPx)
	fee := value.Mul(c.feeBps).Mul(decimal.NewFromInt(legs)).Div(decimal.NewFromInt(10_000))
	net := value.Sub(fee)
	out := net.Div(toPx)

	if b := c.basis[cand.FromAsset]; b.IsPositive() && have.IsPositive() {
		c.basis[cand.FromAsset] = b.Mul(have.Sub(qty)).Div(have)
	}
	c.balances[cand.FromAsset] = have.Sub(qty)
	c.balances[cand.ToAsset] = c.balances[cand.ToAsset].Add(out)
	c.basis[cand.ToAsset] = c.basis[cand.ToAsset].Add(net)

	c.orderSeq++
	rec.VenueOrderID = strconv.FormatInt(c.orderSeq, 10)
	rec.QtyIn = qty
	rec.QtyOut = out
	rec.Price = fromPx.Div(toPx)
	rec.Fee = fee
	rec.Status = domain.ExecutionFilled
	c.receipts[clientOrderID] = rec
	return rec, nil
}

func (c *Connector) priceLocked(asset string) (decimal.Decimal, bool) {
	if asset == c.quote {
		return decimal.NewFromInt(1), true
	}
	s, ok := c.snaps[asset]
	if !ok || s.LastPrice <= 0 || math.IsNaN(s.LastPrice) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(s.LastPrice), true
}
