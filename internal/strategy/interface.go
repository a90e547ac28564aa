package strategy

import (
	"context"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Scorer ranks candidates under one layer's parameterization.
type Scorer interface {
	Rank(candidates []domain.CandidateConversion, held []domain.HeldAsset) []domain.ScoredOpportunity
}

// Holdings supplies the current held assets.
type Holdings interface {
	Holdings() []domain.HeldAsset
}

// Proposer accepts proposals for arbitration without blocking.
type Proposer interface {
	Submit(ctx context.Context, p domain.StrategyProposal) error
}

// Layer is one independently parameterized scan-score-rank worker.
type Layer struct {
	ID           string
	Cadence      time.Duration
	MaxProposals int // 0 proposes every accepted opportunity
	Targets      []string
	Scorer       Scorer
}
