package domain

import "time"

// StrategyProposal is one strategy layer's claim on an opportunity.
type StrategyProposal struct {
	ID          string            `json:"id"`
	LayerID     string            `json:"layer_id"`
	Opportunity ScoredOpportunity `json:"opportunity"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// Symbol returns the arbitration key the proposal contends for.
func (p StrategyProposal) Symbol() string {
	return p.Opportunity.Symbol()
}

// ArbitrationRecord is the append-only audit entry for one contested symbol in
// one arbitration cycle.
type ArbitrationRecord struct {
	ID                string    `json:"id"`
	Cycle             uint64    `json:"cycle"`
	Symbol            string    `json:"symbol"`
	WinningLayerID    string    `json:"winning_layer_id"`
	WinningProposalID string    `json:"winning_proposal_id"`
	LosingLayerIDs    []string  `json:"losing_layer_ids"`
	DecisionAt        time.Time `json:"decision_at"`
}

// Outcome is the result of proposing to the arbiter.
type Outcome string

const (
	OutcomeWinner   Outcome = "winner"
	OutcomeRejected Outcome = "rejected"
)

// RejectReason explains a rejected proposal.
type RejectReason string

const (
	RejectNone               RejectReason = ""
	RejectAlreadyLocked      RejectReason = "already_locked"
	RejectBelowThreshold     RejectReason = "below_threshold"
	RejectCostBasisViolation RejectReason = "cost_basis_violation"
)

// Err maps a reject reason to its sentinel error, or nil.
func (r RejectReason) Err() error {
	switch r {
	case RejectAlreadyLocked:
		return ErrAlreadyLocked
	case RejectBelowThreshold:
		return ErrBelowThreshold
	case RejectCostBasisViolation:
		return ErrCostBasisViolation
	default:
		return nil
	}
}

// Decision is the arbiter's answer to a proposal.
type Decision struct {
	Outcome  Outcome          `json:"outcome"`
	Reason   RejectReason     `json:"reason,omitempty"`
	Proposal StrategyProposal `json:"proposal"`
	Cycle    uint64           `json:"cycle"`
}

// Won reports whether the proposal won its symbol.
func (d Decision) Won() bool { return d.Outcome == OutcomeWinner }
