package domain

import "context"

// Connector is the exchange collaborator for one venue. Execute must be safe
// to retry with the same clientOrderID.
type Connector interface {
	Venue() string
	QuoteAsset() string
	GetSnapshots(ctx context.Context) ([]MarketSnapshot, error)
	GetBalances(ctx context.Context) ([]HeldAsset, error)
	Execute(ctx context.Context, opp ScoredOpportunity, clientOrderID string) (ExecutionReceipt, error)
}
