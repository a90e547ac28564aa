package ranker

import (
	"fmt"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Policy is the acceptance policy shared by the ranker and the arbiter:
// the checkpoint asset set, the threshold pair, and the cost-basis guard.
type Policy struct {
	CheckpointThreshold  float64
	SpeculativeThreshold float64
	checkpoints          map[string]bool
}

// NewPolicy builds a Policy. The checkpoint threshold must be strictly lower
// than the speculative one.
func NewPolicy(checkpointAssets []string, checkpointThreshold, speculativeThreshold float64) (Policy, error) {
	if checkpointThreshold >= speculativeThreshold {
		return Policy{}, fmt.Errorf("ranker: checkpoint threshold %.2f must be below speculative threshold %.2f",
			checkpointThreshold, speculativeThreshold)
	}
	set := make(map[string]bool, len(checkpointAssets))
	for _, a := range checkpointAssets {
		set[a] = true
	}
	return Policy{
		CheckpointThreshold:  checkpointThreshold,
		SpeculativeThreshold: speculativeThreshold,
		checkpoints:          set,
	}, nil
}

// IsCheckpoint reports whether asset is a designated checkpoint asset.
func (p Policy) IsCheckpoint(asset string) bool {
	return p.checkpoints[asset]
}

// Threshold returns the acceptance threshold for a conversion into asset.
func (p Policy) Threshold(asset string) (threshold float64, checkpoint bool) {
	if p.checkpoints[asset] {
		return p.CheckpointThreshold, true
	}
	return p.SpeculativeThreshold, false
}

// Check applies the threshold and cost-basis rules to an already scored
// opportunity. Degraded inputs never loosen either rule.
func (p Policy) Check(o domain.ScoredOpportunity) error {
	threshold, _ := p.Threshold(o.Candidate.ToAsset)
	if o.CombinedScore < threshold {
		return fmt.Errorf("ranker: %s score %.4f < %.2f: %w", o.Candidate, o.CombinedScore, threshold, domain.ErrBelowThreshold)
	}
	if o.ExpectedPnLAfterFees < 0 {
		return fmt.Errorf("ranker: %s expected pnl %.6f: %w", o.Candidate, o.ExpectedPnLAfterFees, domain.ErrCostBasisViolation)
	}
	return nil
}
