package domain

import "time"

// CandidateConversion is a potential from→to trade on one venue. Candidates are
// rebuilt every scan and never persisted.
type CandidateConversion struct {
	Venue     string
	FromAsset string
	ToAsset   string
}

// Symbol returns the arbitration key for the candidate. Conversions are
// contested per held position, so the key is the venue and the from asset.
func (c CandidateConversion) Symbol() string {
	return c.Venue + ":" + c.FromAsset
}

func (c CandidateConversion) String() string {
	return c.Venue + ":" + c.FromAsset + "->" + c.ToAsset
}

// SignalVector holds the independent signal components for one candidate.
// Every component lies in [0,1].
type SignalVector struct {
	Momentum    float64 `json:"momentum"`
	Reversal    float64 `json:"reversal"`
	VolumeSpike float64 `json:"volume_spike"`
	Spread      float64 `json:"spread"`
}

// SignalWeights weights each SignalVector component in the combined score.
type SignalWeights struct {
	Momentum    float64 `json:"momentum" toml:"momentum"`
	Reversal    float64 `json:"reversal" toml:"reversal"`
	VolumeSpike float64 `json:"volume_spike" toml:"volume_spike"`
	Spread      float64 `json:"spread" toml:"spread"`
}

// Sum returns the total of all weights.
func (w SignalWeights) Sum() float64 {
	return w.Momentum + w.Reversal + w.VolumeSpike + w.Spread
}

// Combine returns the weighted sum of v under w.
func (w SignalWeights) Combine(v SignalVector) float64 {
	return w.Momentum*v.Momentum +
		w.Reversal*v.Reversal +
		w.VolumeSpike*v.VolumeSpike +
		w.Spread*v.Spread
}

// ScoredOpportunity is a candidate after scoring and the ranker's cost model.
// Monetary fields are in quote-asset units.
type ScoredOpportunity struct {
	Candidate            CandidateConversion `json:"candidate"`
	Signals              SignalVector        `json:"signals"`
	CombinedScore        float64             `json:"combined_score"`
	IsCheckpointTarget   bool                `json:"is_checkpoint_target"`
	ThresholdApplied     float64             `json:"threshold_applied"`
	Quantity             float64             `json:"quantity"`
	Notional             float64             `json:"notional"`
	CostBasis            float64             `json:"cost_basis"`
	ProjectedGain        float64             `json:"projected_gain"` // score-driven move only; gated against RoundTripCost
	GrossEdge            float64             `json:"gross_edge"`     // Notional - CostBasis + ProjectedGain
	RoundTripCost        float64             `json:"round_trip_cost"`
	ExpectedPnLAfterFees float64             `json:"expected_pnl_after_fees"`
	DetectedAt           time.Time           `json:"detected_at"`
}

// Symbol returns the arbitration key of the underlying candidate.
func (o ScoredOpportunity) Symbol() string {
	return o.Candidate.Symbol()
}
