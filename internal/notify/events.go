package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Event types accepted by the notify.events filter.
const (
	EventExecutionFilled    = "execution_filled"
	EventExecutionFailed    = "execution_failed"
	EventCostBasisViolation = "cost_basis_violation"
	EventError              = "error"
)

// ExecutionFilled reports a completed conversion.
func (n *Notifier) ExecutionFilled(ctx context.Context, r domain.ExecutionReceipt) error {
	title := fmt.Sprintf("Converted %s → %s on %s", r.FromAsset, r.ToAsset, r.Venue)
	msg := fmt.Sprintf("layer %s sold %s %s for %s %s (fee %s, status %s)",
		r.LayerID, r.QtyIn, r.FromAsset, r.QtyOut, r.ToAsset, r.Fee, r.Status)
	return n.Notify(ctx, EventExecutionFilled, title, msg)
}

// ExecutionFailed reports a conversion the venue did not complete.
func (n *Notifier) ExecutionFailed(ctx context.Context, r domain.ExecutionReceipt, err error) error {
	title := fmt.Sprintf("Conversion %s → %s failed on %s", r.FromAsset, r.ToAsset, r.Venue)
	msg := fmt.Sprintf("layer %s proposal %s: %v", r.LayerID, r.ProposalID, err)
	return n.Notify(ctx, EventExecutionFailed, title, msg)
}

// CostBasisViolation reports a conversion blocked for selling below cost.
func (n *Notifier) CostBasisViolation(ctx context.Context, opp domain.ScoredOpportunity) error {
	title := fmt.Sprintf("Blocked %s: below cost basis", opp.Candidate)
	msg := fmt.Sprintf("notional %.4f against cost basis %.4f, expected pnl %.4f",
		opp.Notional, opp.CostBasis, opp.ExpectedPnLAfterFees)
	return n.Notify(ctx, EventCostBasisViolation, title, msg)
}

// Error reports an operational error.
func (n *Notifier) Error(ctx context.Context, component string, err error) error {
	return n.Notify(ctx, EventError, "convbot error in "+component, err.Error())
}
