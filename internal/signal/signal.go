// Package signal computes the independent market signals for a candidate
// conversion. Every function here is pure, bounded to [0,1], and returns 0
// when its inputs are missing or outside a sane numeric range.
package signal

import (
	"math"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Params holds the saturation knobs shared by the signal functions.
type Params struct {
	// MomentumSaturationPct is the 24h gain at which momentum reaches 1.
	MomentumSaturationPct float64
	// ReversalDepthPct is the drop below which reversal starts scoring.
	ReversalDepthPct float64
	// ReversalSaturationPct is the drop at which reversal reaches 1.
	ReversalSaturationPct float64
	// VolumeSpikeSaturation is the volume/baseline ratio at which the spike
	// signal reaches 1. Must exceed 1.
	VolumeSpikeSaturation float64
	// SpreadCeilingBps is the crossing cost at which the spread signal hits 0.
	SpreadCeilingBps float64
	// FeeBps is the per-side exchange fee charged on each leg.
	FeeBps float64
}

// maxAbsChangePct bounds believable 24h changes; anything larger is treated
// as a bad print.
const maxAbsChangePct = 1000

// Inputs is the read-only view a signal function is evaluated on.
type Inputs struct {
	From domain.MarketSnapshot
	To   domain.MarketSnapshot
}

// Momentum scores the target's positive 24h change, saturating linearly at
// MomentumSaturationPct. Domain: change in (-1000, 1000) percent.
func Momentum(p Params, in Inputs) float64 {
	chg, ok := change(in.To)
	if !ok || p.MomentumSaturationPct <= 0 || chg <= 0 {
		return 0
	}
	return clamp01(chg / p.MomentumSaturationPct)
}

// Reversal scores a drop in the target deeper than ReversalDepthPct, reaching
// 1 at ReversalSaturationPct.
func Reversal(p Params, in Inputs) float64 {
	chg, ok := change(in.To)
	if !ok || p.ReversalSaturationPct <= p.ReversalDepthPct || p.ReversalDepthPct < 0 {
		return 0
	}
	drop := -chg
	if drop < p.ReversalDepthPct || drop <= 0 {
		return 0
	}
	return clamp01((drop - p.ReversalDepthPct) / (p.ReversalSaturationPct - p.ReversalDepthPct))
}

// VolumeSpike scores the target's 24h volume against its trailing baseline.
// A ratio of 1 scores 0 and VolumeSpikeSaturation scores 1. Without a
// baseline the signal is 0.
func VolumeSpike(p Params, in Inputs) float64 {
	vol, base := in.To.Volume24h, in.To.VolumeBaseline
	if !finite(vol) || !finite(base) || vol < 0 || base <= 0 || p.VolumeSpikeSaturation <= 1 {
		return 0
	}
	return clamp01((vol/base - 1) / (p.VolumeSpikeSaturation - 1))
}

// Spread scores how cheap it is to cross both legs: half of each leg's quoted
// spread plus a fee per side, measured against SpreadCeilingBps. A free
// crossing scores 1 and a crossing at or above the ceiling scores 0.
func Spread(p Params, in Inputs) float64 {
	if p.SpreadCeilingBps <= 0 || !finite(p.FeeBps) || p.FeeBps < 0 {
		return 0
	}
	fromBps, ok := spreadBps(in.From)
	if !ok {
		return 0
	}
	toBps, ok := spreadBps(in.To)
	if !ok {
		return 0
	}
	crossing := fromBps/2 + toBps/2 + 2*p.FeeBps
	return clamp01((p.SpreadCeilingBps - crossing) / p.SpreadCeilingBps)
}

// Score evaluates every signal for the candidate. When the target is the
// venue's quote asset the target leg is replaced by a mirror of the from leg,
// so selling a falling asset into quote scores as momentum toward quote and
// selling after a sharp pump scores as a reversal entry into it.
func Score(p Params, c domain.CandidateConversion, from, to domain.MarketSnapshot, quoteAsset string) domain.SignalVector {
	in := Inputs{From: from, To: to}
	if quoteAsset != "" && c.ToAsset == quoteAsset {
		in.To = mirror(from, to)
	}
	return domain.SignalVector{
		Momentum:    Momentum(p, in),
		Reversal:    Reversal(p, in),
		VolumeSpike: VolumeSpike(p, in),
		Spread:      Spread(p, in),
	}
}

// mirror builds the quote leg's view from the from leg. Book fields stay the
// quote's own (par, zero spread).
func mirror(from, quote domain.MarketSnapshot) domain.MarketSnapshot {
	m := quote
	m.Change24hPct = -from.Change24hPct
	m.Volume24h = from.Volume24h
	m.VolumeBaseline = from.VolumeBaseline
	return m
}

// Missing returns domain.ErrMissingSignalInput when any input a signal needs is
// absent. Scoring never depends on it; callers use it for debug logging.
func Missing(from, to domain.MarketSnapshot) error {
	if _, ok := change(to); !ok {
		return domain.ErrMissingSignalInput
	}
	if _, ok := spreadBps(from); !ok {
		return domain.ErrMissingSignalInput
	}
	if _, ok := spreadBps(to); !ok {
		return domain.ErrMissingSignalInput
	}
	if to.VolumeBaseline <= 0 {
		return domain.ErrMissingSignalInput
	}
	return nil
}

func change(s domain.MarketSnapshot) (float64, bool) {
	c := s.Change24hPct
	if !finite(c) || math.Abs(c) >= maxAbsChangePct {
		return 0, false
	}
	return c, true
}

func spreadBps(s domain.MarketSnapshot) (float64, bool) {
	bps := s.SpreadBps()
	if !finite(bps) || bps < 0 {
		return 0, false
	}
	return bps, true
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
