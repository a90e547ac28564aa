// Package audit fans arbitration and execution entries out to every
// configured backend without blocking the caller.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
)

// Backend is a named audit destination.
type Backend struct {
	Name string
	Sink domain.AuditSink
}

type entry struct {
	arb  *domain.ArbitrationRecord
	exec *domain.ExecutionReceipt
}

// Fanout is an asynchronous domain.AuditSink. Writes are queued and applied
// to every backend by Run; a full queue drops the entry and counts it.
type Fanout struct {
	backends []Backend
	queue    chan entry
	timeout  time.Duration
	logger   *slog.Logger
}

var _ domain.AuditSink = (*Fanout)(nil)

// NewFanout creates a Fanout with a queue of size entries.
func NewFanout(backends []Backend, size int, timeout time.Duration, logger *slog.Logger) *Fanout {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{
		backends: backends,
		queue:    make(chan entry, size),
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "audit")),
	}
}

// Backends returns the configured backend names.
func (f *Fanout) Backends() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name
	}
	return names
}

// RecordArbitration implements domain.AuditSink.
func (f *Fanout) RecordArbitration(_ context.Context, rec domain.ArbitrationRecord) error {
	return f.enqueue(entry{arb: &rec}, rec.ID)
}

// RecordExecution implements domain.AuditSink.
func (f *Fanout) RecordExecution(_ context.Context, r domain.ExecutionReceipt) error {
	return f.enqueue(entry{exec: &r}, r.ProposalID)
}

func (f *Fanout) enqueue(e entry, id string) error {
	if len(f.backends) == 0 {
		return nil
	}
	select {
	case f.queue <- e:
		return nil
	default:
		metrics.AuditDropped.WithLabelValues("queue").Inc()
		return fmt.Errorf("audit: enqueue %s: %w", id, domain.ErrQueueFull)
	}
}

// Run writes queued entries until ctx is cancelled, then flushes the queue.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.flush()
			return ctx.Err()
		case e := <-f.queue:
			f.write(ctx, e)
		}
	}
}

func (f *Fanout) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	for {
		select {
		case e := <-f.queue:
			f.write(ctx, e)
		default:
			return
		}
	}
}

func (f *Fanout) write(ctx context.Context, e entry) {
	for _, b := range f.backends {
		wctx, cancel := context.WithTimeout(ctx, f.timeout)
		var err error
		switch {
		case e.arb != nil:
			err = b.Sink.RecordArbitration(wctx, *e.arb)
		case e.exec != nil:
			err = b.Sink.RecordExecution(wctx, *e.exec)
		}
		cancel()
		if err != nil {
			metrics.AuditDropped.WithLabelValues(b.Name).Inc()
			f.logger.Warn("audit write failed",
				slog.String("backend", b.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}
