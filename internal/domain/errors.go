package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrLockHeld           = errors.New("lock already held")
	ErrStaleData          = errors.New("stale market data")
	ErrMissingSignalInput = errors.New("missing signal input")
	ErrBelowThreshold     = errors.New("score below threshold")
	ErrBelowCost          = errors.New("edge does not clear round-trip cost")
	ErrCostBasisViolation = errors.New("conversion would realize a loss against cost basis")
	ErrMissingCostBasis   = errors.New("no cost basis recorded")
	ErrAlreadyLocked      = errors.New("symbol already locked this cycle")
	ErrConnectorFailure   = errors.New("connector failure")
	ErrExecution          = errors.New("execution failed")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrQueueFull          = errors.New("proposal queue full")
)
