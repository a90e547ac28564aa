package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Stream and channel names, relative to the client prefix.
const (
	StreamArbitrations = "audit:arbitrations"
	StreamExecutions   = "audit:executions"
	ChannelDecisions   = "decisions"
)

// AuditStream is a domain.AuditSink that appends JSON entries to Redis
// streams and announces arbitration records on the decisions channel.
type AuditStream struct {
	bus domain.SignalBus
}

var _ domain.AuditSink = (*AuditStream)(nil)

// NewAuditStream creates an AuditStream over bus.
func NewAuditStream(bus domain.SignalBus) *AuditStream {
	return &AuditStream{bus: bus}
}

// RecordArbitration implements domain.AuditSink.
func (a *AuditStream) RecordArbitration(ctx context.Context, rec domain.ArbitrationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal arbitration %s: %w", rec.ID, err)
	}
	if err := a.bus.StreamAppend(ctx, StreamArbitrations, payload); err != nil {
		return err
	}
	return a.bus.Publish(ctx, ChannelDecisions, payload)
}

// RecordExecution implements domain.AuditSink.
func (a *AuditStream) RecordExecution(ctx context.Context, r domain.ExecutionReceipt) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal execution %s: %w", r.ProposalID, err)
	}
	return a.bus.StreamAppend(ctx, StreamExecutions, payload)
}
