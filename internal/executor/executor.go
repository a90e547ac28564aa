// Package executor turns winning proposals into venue conversions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
)

// Notifier receives execution outcomes.
type Notifier interface {
	ExecutionFilled(ctx context.Context, r domain.ExecutionReceipt) error
	ExecutionFailed(ctx context.Context, r domain.ExecutionReceipt, err error) error
}

// Ledger records executed conversions against holdings.
type Ledger interface {
	Apply(r domain.ExecutionReceipt, quoteValue decimal.Decimal)
}

// Options configures an Executor. Every collaborator is optional.
type Options struct {
	QueueSize int
	Timeout   time.Duration // per Execute call
	DedupTTL  time.Duration
	Lock      domain.LockManager // cross-instance guard per symbol
	LockTTL   time.Duration
	Sink      domain.AuditSink
	Notifier  Notifier
	Ledger    Ledger
}

const recentLimit = 200

// Executor consumes winning proposals from a bounded queue and executes each
// once. Execution errors are recorded and reported, never retried.
type Executor struct {
	connectors map[string]domain.Connector
	opts       Options
	queue      chan domain.StrategyProposal
	dedup      *Dedup
	logger     *slog.Logger

	cleanupInterval time.Duration

	mu     sync.Mutex
	recent []domain.ExecutionReceipt // newest last
}

// New creates an Executor over the given venue connectors.
func New(connectors []domain.Connector, opts Options, logger *slog.Logger) *Executor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	byVenue := make(map[string]domain.Connector, len(connectors))
	for _, c := range connectors {
		byVenue[c.Venue()] = c
	}
	return &Executor{
		connectors:      byVenue,
		opts:            opts,
		queue:           make(chan domain.StrategyProposal, opts.QueueSize),
		dedup:           NewDedup(opts.DedupTTL),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
}

// Enqueue hands a winning proposal to the executor without blocking.
func (e *Executor) Enqueue(_ context.Context, p domain.StrategyProposal) error {
	select {
	case e.queue <- p:
		return nil
	default:
		return fmt.Errorf("executor: enqueue %s: %w", p.ID, domain.ErrQueueFull)
	}
}

// Run processes proposals until ctx is cancelled, then drains what is
// already queued with a short-lived context.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case p := <-e.queue:
			e.process(ctx, p)
		case <-cleanupTicker.C:
			if n := e.dedup.Sweep(); n > 0 {
				e.logger.Debug("expired proposal ids swept", slog.Int("count", n))
			}
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case p := <-e.queue:
			e.logger.Warn("draining proposal after shutdown", slog.String("proposal_id", p.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, p)
			cancel()
		default:
			return
		}
	}
}

// process executes a single proposal end to end.
func (e *Executor) process(ctx context.Context, p domain.StrategyProposal) {
	opp := p.Opportunity
	log := e.logger.With(
		slog.String("proposal_id", p.ID),
		slog.String("layer", p.LayerID),
		slog.String("conversion", opp.Candidate.String()),
	)

	if !e.dedup.Claim(p.ID) {
		log.Debug("proposal deduplicated, skipping")
		return
	}

	conn, ok := e.connectors[opp.Candidate.Venue]
	if !ok {
		err := fmt.Errorf("executor: no connector for venue %q: %w", opp.Candidate.Venue, domain.ErrExecution)
		e.finish(ctx, log, p, e.failedReceipt(p, err), err)
		return
	}

	if e.opts.Lock != nil {
		unlock, err := e.opts.Lock.Acquire(ctx, "convbot:exec:"+p.Symbol(), e.opts.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.Info("symbol locked by another instance, skipping")
			} else {
				log.Warn("execution lock failed, skipping", slog.String("error", err.Error()))
			}
			metrics.ExecutionsTotal.WithLabelValues(opp.Candidate.Venue, "skipped").Inc()
			return
		}
		defer unlock()
	}

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if e.opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	}
	rec, err := conn.Execute(cctx, opp, p.ID)
	cancel()

	if rec.Status == "" {
		rec = e.failedReceipt(p, err)
	}
	rec.ProposalID = p.ID
	rec.LayerID = p.LayerID
	if err != nil && !errors.Is(err, domain.ErrExecution) {
		err = fmt.Errorf("executor: %s: %w: %w", p.ID, domain.ErrExecution, err)
	}
	e.finish(ctx, log, p, rec, err)
}

func (e *Executor) failedReceipt(p domain.StrategyProposal, err error) domain.ExecutionReceipt {
	rec := domain.ExecutionReceipt{
		ProposalID:    p.ID,
		LayerID:       p.LayerID,
		ClientOrderID: p.ID,
		Venue:         p.Opportunity.Candidate.Venue,
		FromAsset:     p.Opportunity.Candidate.FromAsset,
		ToAsset:       p.Opportunity.Candidate.ToAsset,
		Status:        domain.ExecutionFailed,
		ExecutedAt:    time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// finish records the outcome everywhere it belongs. Each step is best-effort.
func (e *Executor) finish(ctx context.Context, log *slog.Logger, p domain.StrategyProposal, rec domain.ExecutionReceipt, err error) {
	if err != nil && rec.Error == "" {
		rec.Error = err.Error()
	}
	metrics.ExecutionsTotal.WithLabelValues(rec.Venue, string(rec.Status)).Inc()

	e.mu.Lock()
	e.recent = append(e.recent, rec)
	if len(e.recent) > recentLimit {
		e.recent = slices.Clone(e.recent[len(e.recent)-recentLimit:])
	}
	e.mu.Unlock()

	if e.opts.Sink != nil {
		if serr := e.opts.Sink.RecordExecution(ctx, rec); serr != nil {
			log.Warn("audit execution write failed", slog.String("error", serr.Error()))
		}
	}

	filled := rec.Status == domain.ExecutionFilled || rec.Status == domain.ExecutionPartial
	if filled && e.opts.Ledger != nil {
		e.opts.Ledger.Apply(rec, quoteValue(p.Opportunity, rec))
	}

	if err != nil {
		log.Error("execution failed",
			slog.String("status", string(rec.Status)),
			slog.String("error", err.Error()),
		)
		if e.opts.Notifier != nil {
			if nerr := e.opts.Notifier.ExecutionFailed(ctx, rec, err); nerr != nil {
				log.Warn("notify failed", slog.String("error", nerr.Error()))
			}
		}
		return
	}

	log.Info("conversion executed",
		slog.String("venue_order_id", rec.VenueOrderID),
		slog.String("qty_in", rec.QtyIn.String()),
		slog.String("qty_out", rec.QtyOut.String()),
		slog.String("status", string(rec.Status)),
	)
	if e.opts.Notifier != nil {
		if nerr := e.opts.Notifier.ExecutionFilled(ctx, rec); nerr != nil {
			log.Warn("notify failed", slog.String("error", nerr.Error()))
		}
	}
}

// quoteValue is the quote-asset value received: the quantity sold at the
// opportunity's valuation, less fees.
func quoteValue(opp domain.ScoredOpportunity, rec domain.ExecutionReceipt) decimal.Decimal {
	if opp.Quantity <= 0 {
		return decimal.Zero
	}
	unit := decimal.NewFromFloat(opp.Notional / opp.Quantity)
	v := rec.QtyIn.Mul(unit).Sub(rec.Fee)
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Recent returns up to limit of the latest receipts, newest first.
func (e *Executor) Recent(limit int) []domain.ExecutionReceipt {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := slices.Clone(e.recent[n-limit:])
	slices.Reverse(out)
	return out
}

// QueueLen returns the number of proposals waiting.
func (e *Executor) QueueLen() int {
	return len(e.queue)
}
