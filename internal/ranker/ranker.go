// Package ranker turns candidate conversions into scored opportunities: it
// combines the signal vector into one score, applies the checkpoint-aware
// threshold pair, prices the round trip, and refuses anything that would
// realize a loss against cost basis.
package ranker

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
	"github.com/alanyoungcy/convbot/internal/signal"
)

// Snapshots is the read side of the market cache the ranker depends on.
type Snapshots interface {
	Fresh(venue, symbol string, now time.Time) (domain.MarketSnapshot, error)
}

// Config parameterizes one Ranker.
type Config struct {
	Name    string // layer id, used for logs and metrics
	Weights domain.SignalWeights
	Policy  Policy
	Signal  signal.Params

	// FeeBps is the per-side fee; PerVenueFeeBps overrides it by venue.
	FeeBps         float64
	PerVenueFeeBps map[string]float64
	SlippageBps    float64
	// ExpectedMoveBps is the price move a combined score of 1 is taken to
	// project over the holding horizon.
	ExpectedMoveBps float64
	// QuoteAssets maps venue to its quote asset.
	QuoteAssets map[string]string
}

// Ranker scores, filters and orders candidates. It is safe for concurrent use
// as long as its Snapshots implementation is.
type Ranker struct {
	cfg    Config
	snaps  Snapshots
	now    func() time.Time
	logger *slog.Logger
}

// New validates cfg and returns a Ranker reading from snaps.
func New(cfg Config, snaps Snapshots, logger *slog.Logger) (*Ranker, error) {
	w := cfg.Weights
	if w.Momentum < 0 || w.Reversal < 0 || w.VolumeSpike < 0 || w.Spread < 0 {
		return nil, fmt.Errorf("ranker: %s: negative weight in %+v", cfg.Name, w)
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return nil, fmt.Errorf("ranker: %s: weights sum to %.6f, want 1.0", cfg.Name, w.Sum())
	}
	if cfg.ExpectedMoveBps <= 0 {
		return nil, fmt.Errorf("ranker: %s: expected move must be positive", cfg.Name)
	}
	return &Ranker{
		cfg:    cfg,
		snaps:  snaps,
		now:    time.Now,
		logger: logger.With(slog.String("component", "ranker"), slog.String("layer", cfg.Name)),
	}, nil
}

// WithClock replaces the ranker's clock; used in tests.
func (r *Ranker) WithClock(now func() time.Time) *Ranker {
	r.now = now
	return r
}

// Policy returns the ranker's acceptance policy.
func (r *Ranker) Policy() Policy { return r.cfg.Policy }

func (r *Ranker) feeBps(venue string) float64 {
	if v, ok := r.cfg.PerVenueFeeBps[venue]; ok {
		return v
	}
	return r.cfg.FeeBps
}

// Evaluate scores one candidate against the held position it converts.
// The returned opportunity is populated even when an error is returned so
// callers can log what was rejected. Errors, checked in this order:
//   - domain.ErrStaleData / domain.ErrNotFound: a leg has no usable snapshot
//   - domain.ErrBelowThreshold: combined score under the target's threshold
//   - domain.ErrBelowCost: projected gain alone does not clear round-trip
//     cost; the unrealized gain over cost basis in GrossEdge is not counted
//   - domain.ErrCostBasisViolation: expected pnl after fees is negative, or
//     the position has no recorded cost basis (also domain.ErrMissingCostBasis)
func (r *Ranker) Evaluate(c domain.CandidateConversion, held domain.HeldAsset) (domain.ScoredOpportunity, error) {
	now := r.now()
	opp := domain.ScoredOpportunity{Candidate: c}

	from, err := r.snaps.Fresh(c.Venue, c.FromAsset, now)
	if err != nil {
		return opp, fmt.Errorf("ranker: %s from leg: %w", c, err)
	}
	to, err := r.snaps.Fresh(c.Venue, c.ToAsset, now)
	if err != nil {
		return opp, fmt.Errorf("ranker: %s to leg: %w", c, err)
	}

	fee := r.feeBps(c.Venue)
	params := r.cfg.Signal
	params.FeeBps = fee
	quote := r.cfg.QuoteAssets[c.Venue]

	opp.Signals = signal.Score(params, c, from, to, quote)
	opp.CombinedScore = r.cfg.Weights.Combine(opp.Signals)
	opp.ThresholdApplied, opp.IsCheckpointTarget = r.cfg.Policy.Threshold(c.ToAsset)
	opp.DetectedAt = from.CapturedAt
	if to.CapturedAt.After(opp.DetectedAt) {
		opp.DetectedAt = to.CapturedAt
	}
	if err := signal.Missing(from, to); err != nil {
		r.logger.Debug("scored with neutral components", slog.String("candidate", c.String()))
	}

	basisKnown := r.price(&opp, held, from, to, fee)

	if opp.CombinedScore < opp.ThresholdApplied {
		return opp, fmt.Errorf("ranker: %s score %.4f < %.2f: %w", c, opp.CombinedScore, opp.ThresholdApplied, domain.ErrBelowThreshold)
	}
	if opp.ProjectedGain <= opp.RoundTripCost {
		return opp, fmt.Errorf("ranker: %s projected gain %.6f <= round trip %.6f: %w",
			c, opp.ProjectedGain, opp.RoundTripCost, domain.ErrBelowCost)
	}
	if !basisKnown {
		return opp, fmt.Errorf("ranker: %s: %w: %w", c, domain.ErrMissingCostBasis, domain.ErrCostBasisViolation)
	}
	if opp.ExpectedPnLAfterFees < 0 {
		return opp, fmt.Errorf("ranker: %s expected pnl %.6f against cost basis %.6f: %w",
			c, opp.ExpectedPnLAfterFees, opp.CostBasis, domain.ErrCostBasisViolation)
	}
	return opp, nil
}

// price fills the notional, cost basis and fee model fields of opp.
//
// Expected pnl is gross edge minus round-trip cost, where gross edge is the
// unrealized gain of the free quantity over its cost basis plus the gain the
// combined score projects. It reports false when the position has no
// recorded cost basis; opp then carries a zero basis and must not be traded.
func (r *Ranker) price(opp *domain.ScoredOpportunity, held domain.HeldAsset, from, to domain.MarketSnapshot, feeBps float64) bool {
	notional := held.Free.Mul(decimal.NewFromFloat(from.LastPrice))
	basis, ok := held.FreeCostBasis()

	opp.Quantity = held.Free.InexactFloat64()
	opp.Notional = notional.InexactFloat64()
	opp.CostBasis = basis.InexactFloat64()

	costBps := 2*feeBps + r.cfg.SlippageBps + r.halfSpreadBps(from) + r.halfSpreadBps(to)
	opp.RoundTripCost = opp.Notional * costBps / 10_000
	opp.ProjectedGain = opp.CombinedScore * r.cfg.ExpectedMoveBps / 10_000 * opp.Notional
	opp.GrossEdge = (opp.Notional - opp.CostBasis) + opp.ProjectedGain
	opp.ExpectedPnLAfterFees = opp.GrossEdge - opp.RoundTripCost
	return ok
}

// halfSpreadBps returns half the quoted spread. A missing book is charged at
// the spread signal's ceiling so absent data never makes a trade look cheaper.
func (r *Ranker) halfSpreadBps(s domain.MarketSnapshot) float64 {
	bps := s.SpreadBps()
	if math.IsNaN(bps) || math.IsInf(bps, 0) || bps < 0 {
		return r.cfg.Signal.SpreadCeilingBps / 2
	}
	return bps / 2
}

// Rank evaluates every candidate against its held position and returns the
// accepted opportunities, best first. Candidates without a matching holding
// are skipped.
func (r *Ranker) Rank(candidates []domain.CandidateConversion, held []domain.HeldAsset) []domain.ScoredOpportunity {
	byAsset := make(map[string]domain.HeldAsset, len(held))
	for _, h := range held {
		byAsset[h.Venue+":"+h.Asset] = h
	}

	out := make([]domain.ScoredOpportunity, 0, len(candidates))
	for _, c := range candidates {
		h, ok := byAsset[c.Symbol()]
		if !ok {
			continue
		}
		opp, err := r.Evaluate(c, h)
		if err != nil {
			r.record(c, opp, err)
			continue
		}
		metrics.RankedTotal.WithLabelValues(r.cfg.Name, "accepted").Inc()
		out = append(out, opp)
	}

	slices.SortStableFunc(out, Compare)
	return out
}

func (r *Ranker) record(c domain.CandidateConversion, opp domain.ScoredOpportunity, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, domain.ErrStaleData):
		outcome = "stale"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "no_snapshot"
	case errors.Is(err, domain.ErrBelowThreshold):
		outcome = "below_threshold"
	case errors.Is(err, domain.ErrBelowCost):
		outcome = "below_cost"
	case errors.Is(err, domain.ErrCostBasisViolation):
		outcome = "cost_basis_violation"
		msg := "conversion would realize a loss"
		if errors.Is(err, domain.ErrMissingCostBasis) {
			msg = "no cost basis recorded for position"
		}
		r.logger.Warn(msg,
			slog.String("candidate", c.String()),
			slog.Float64("notional", opp.Notional),
			slog.Float64("cost_basis", opp.CostBasis),
			slog.Float64("expected_pnl", opp.ExpectedPnLAfterFees),
		)
	}
	metrics.RankedTotal.WithLabelValues(r.cfg.Name, outcome).Inc()
	if outcome != "cost_basis_violation" {
		r.logger.Debug("candidate rejected",
			slog.String("candidate", c.String()),
			slog.String("outcome", outcome),
			slog.Float64("score", opp.CombinedScore),
		)
	}
}

// Compare orders opportunities best first: higher combined score, then higher
// expected pnl, then earlier detection, then venue, from and to asset. It is
// a total order over distinct candidates.
func Compare(a, b domain.ScoredOpportunity) int {
	return cmp.Or(
		cmp.Compare(b.CombinedScore, a.CombinedScore),
		cmp.Compare(b.ExpectedPnLAfterFees, a.ExpectedPnLAfterFees),
		a.DetectedAt.Compare(b.DetectedAt),
		cmp.Compare(a.Candidate.Venue, b.Candidate.Venue),
		cmp.Compare(a.Candidate.FromAsset, b.Candidate.FromAsset),
		cmp.Compare(a.Candidate.ToAsset, b.Candidate.ToAsset),
	)
}

// Candidates pairs every held asset with free quantity against every target
// on the same venue. The result is sorted by venue, from and to asset.
func Candidates(held []domain.HeldAsset, targets []string) []domain.CandidateConversion {
	var out []domain.CandidateConversion
	for _, h := range held {
		if !h.Free.IsPositive() {
			continue
		}
		for _, t := range targets {
			if t == h.Asset {
				continue
			}
			out = append(out, domain.CandidateConversion{Venue: h.Venue, FromAsset: h.Asset, ToAsset: t})
		}
	}
	slices.SortFunc(out, func(a, b domain.CandidateConversion) int {
		return cmp.Or(
			cmp.Compare(a.Venue, b.Venue),
			cmp.Compare(a.FromAsset, b.FromAsset),
			cmp.Compare(a.ToAsset, b.ToAsset),
		)
	})
	return slices.CompactFunc(out, func(a, b domain.CandidateConversion) bool { return a == b })
}
