// Package connector wraps venue connectors with timeouts, retries and a
// circuit breaker.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
)

// Options configures a Resilient connector.
type Options struct {
	CallTimeout      time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Resilient decorates a domain.Connector. Reads are retried with exponential
// backoff; Execute is attempted once. Every call goes through one breaker.
type Resilient struct {
	inner   domain.Connector
	opts    Options
	breaker *Breaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ domain.Connector = (*Resilient)(nil)

// Wrap returns a Resilient around inner.
func Wrap(inner domain.Connector, opts Options, logger *slog.Logger) *Resilient {
	l := logger.With(slog.String("component", "connector"), slog.String("venue", inner.Venue()))
	return &Resilient{
		inner:   inner,
		opts:    opts,
		breaker: NewBreaker(inner.Venue(), opts.BreakerThreshold, opts.BreakerCooldown, l),
		logger:  l,
		sleep:   sleepCtx,
	}
}

// Venue implements domain.Connector.
func (r *Resilient) Venue() string { return r.inner.Venue() }

// QuoteAsset implements domain.Connector.
func (r *Resilient) QuoteAsset() string { return r.inner.QuoteAsset() }

// Breaker exposes the breaker for status reporting.
func (r *Resilient) Breaker() *Breaker { return r.breaker }

// GetSnapshots implements domain.Connector.
func (r *Resilient) GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error) {
	var out []domain.MarketSnapshot
	err := r.retry(ctx, "snapshots", func(cctx context.Context) error {
		var err error
		out, err = r.inner.GetSnapshots(cctx)
		return err
	})
	return out, err
}

// GetBalances implements domain.Connector.
func (r *Resilient) GetBalances(ctx context.Context) ([]domain.HeldAsset, error) {
	var out []domain.HeldAsset
	err := r.retry(ctx, "balances", func(cctx context.Context) error {
		var err error
		out, err = r.inner.GetBalances(cctx)
		return err
	})
	return out, err
}

// Execute implements domain.Connector. It is never retried.
func (r *Resilient) Execute(ctx context.Context, opp domain.ScoredOpportunity, clientOrderID string) (domain.ExecutionReceipt, error) {
	var rec domain.ExecutionReceipt
	err := r.call(ctx, "execute", func(cctx context.Context) error {
		var err error
		rec, err = r.inner.Execute(cctx, opp, clientOrderID)
		return err
	})
	return rec, err
}

func (r *Resilient) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = r.call(ctx, op, fn)
		if err == nil || !retryable(err) || attempt >= r.opts.MaxRetries {
			return err
		}
		wait := Backoff(attempt, r.opts.BackoffBase, r.opts.BackoffMax)
		r.logger.Debug("retrying connector call",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		if serr := r.sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !r.breaker.Allow() {
		return fmt.Errorf("connector: %s %s: %w", r.Venue(), op, domain.ErrCircuitOpen)
	}
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if r.opts.CallTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	metrics.ConnectorLatency.WithLabelValues(r.Venue(), op).Observe(time.Since(start).Seconds())

	// A rejected order is a venue answer, not a venue fault.
	if err == nil || errors.Is(err, domain.ErrExecution) {
		r.breaker.Success()
		return err
	}
	if ctx.Err() != nil {
		// Caller cancelled; not the venue's fault.
		return err
	}
	r.breaker.Failure()
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrConnectorFailure) {
		return fmt.Errorf("connector: %s %s: %w: %w", r.Venue(), op, domain.ErrConnectorFailure, err)
	}
	return err
}

func retryable(err error) bool {
	if errors.Is(err, domain.ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, domain.ErrConnectorFailure) || errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
