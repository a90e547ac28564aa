package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the terminal state of an execution attempt.
type ExecutionStatus string

const (
	ExecutionFilled   ExecutionStatus = "filled"
	ExecutionPartial  ExecutionStatus = "partial"
	ExecutionRejected ExecutionStatus = "rejected"
	ExecutionFailed   ExecutionStatus = "failed"
)

// ExecutionReceipt is the connector's confirmation of an executed conversion.
type ExecutionReceipt struct {
	ProposalID    string          `json:"proposal_id"`
	LayerID       string          `json:"layer_id"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	Venue         string          `json:"venue"`
	FromAsset     string          `json:"from_asset"`
	ToAsset       string          `json:"to_asset"`
	QtyIn         decimal.Decimal `json:"qty_in"`
	QtyOut        decimal.Decimal `json:"qty_out"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Status        ExecutionStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
	ExecutedAt    time.Time       `json:"executed_at"`
}
