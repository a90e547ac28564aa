package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditSink accepts arbitration and execution entries for durable,
// append-only logging. Callers treat writes as best-effort.
type AuditSink interface {
	RecordArbitration(ctx context.Context, rec ArbitrationRecord) error
	RecordExecution(ctx context.Context, receipt ExecutionReceipt) error
}

// AuditStore is an AuditSink that can also be queried and pruned.
type AuditStore interface {
	AuditSink
	ListArbitrations(ctx context.Context, opts ListOpts) ([]ArbitrationRecord, error)
	ListExecutions(ctx context.Context, opts ListOpts) ([]ExecutionReceipt, error)
	ArbitrationsBefore(ctx context.Context, before time.Time, limit int) ([]ArbitrationRecord, error)
	DeleteArbitrationsBefore(ctx context.Context, before time.Time) (int64, error)
}
