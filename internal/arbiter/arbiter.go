// Package arbiter resolves competing strategy proposals. For every symbol and
// every cycle the first proposal to take the symbol's lock wins; every other
// proposal for that symbol is rejected without waiting and recorded as a
// loser in the cycle's arbitration record.
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
	"github.com/alanyoungcy/convbot/internal/ranker"
)

// Handoff receives winning proposals for execution. Enqueue must not block.
type Handoff interface {
	Enqueue(ctx context.Context, p domain.StrategyProposal) error
}

// Observer is notified of decisions and records, e.g. to push them to
// operators. Callbacks must not block.
type Observer interface {
	OnDecision(d domain.Decision)
	OnRecord(rec domain.ArbitrationRecord)
}

// Options configures an Arbiter.
type Options struct {
	// CapacityHint pre-sizes the cell table; it grows past this on demand.
	CapacityHint int
	// QueueSize bounds the Submit intake channel.
	QueueSize int
	// MaxRecords bounds the in-memory view of the record log. The durable log
	// is the audit sink.
	MaxRecords int
	Sink       domain.AuditSink
	Handoff    Handoff
	Observers  []Observer
	Now        func() time.Time
}

// Stats summarizes arbiter activity since start.
type Stats struct {
	Cycle     uint64 `json:"cycle"`
	Winners   uint64 `json:"winners"`
	Locked    uint64 `json:"already_locked"`
	Policy    uint64 `json:"policy_rejections"`
	Handoffs  uint64 `json:"handoff_failures"`
	Records   int    `json:"records"`
	CellCount int    `json:"cells"`
}

// Arbiter owns the per-symbol cells and the arbitration record log.
type Arbiter struct {
	policy ranker.Policy
	opts   Options
	logger *slog.Logger

	// barrier separates cycles: proposals hold it shared, EndCycle holds it
	// exclusively while draining and resetting cells.
	barrier sync.RWMutex
	cycle   atomic.Uint64

	cellsMu sync.RWMutex
	cells   map[string]*cell

	intake chan domain.StrategyProposal

	recMu   sync.RWMutex
	records []domain.ArbitrationRecord

	winners, locked, rejected, handoffFailures atomic.Uint64
}

// New creates an Arbiter enforcing policy on every proposal.
func New(policy ranker.Policy, opts Options, logger *slog.Logger) *Arbiter {
	if opts.CapacityHint <= 0 {
		opts.CapacityHint = 64
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 10_000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Arbiter{
		policy: policy,
		opts:   opts,
		logger: logger.With(slog.String("component", "arbiter")),
		cells:  make(map[string]*cell, opts.CapacityHint),
		intake: make(chan domain.StrategyProposal, opts.QueueSize),
	}
}

// Cycle returns the current cycle number.
func (a *Arbiter) Cycle() uint64 { return a.cycle.Load() }

func (a *Arbiter) cellFor(symbol string) *cell {
	a.cellsMu.RLock()
	c, ok := a.cells[symbol]
	a.cellsMu.RUnlock()
	if ok {
		return c
	}

	a.cellsMu.Lock()
	defer a.cellsMu.Unlock()
	if c, ok = a.cells[symbol]; !ok {
		c = newCell(symbol)
		a.cells[symbol] = c
	}
	return c
}

// State returns the current state of symbol's cell.
func (a *Arbiter) State(symbol string) State {
	a.cellsMu.RLock()
	defer a.cellsMu.RUnlock()
	if c, ok := a.cells[symbol]; ok {
		return c.load()
	}
	return StateIdle
}

// Propose enters p into the current cycle's contest for its symbol.
//
// The opportunity is revalidated first: a score under its threshold or a
// negative expected pnl is rejected with BelowThreshold or
// CostBasisViolation and does not take part in the contest. Otherwise the
// proposal races for the symbol's lock with a compare-and-swap; lock
// acquisition order alone decides the winner. Losers are rejected with
// AlreadyLocked immediately. The winner is handed off for execution after
// the decision is recorded.
func (a *Arbiter) Propose(ctx context.Context, p domain.StrategyProposal) domain.Decision {
	if err := a.policy.Check(p.Opportunity); err != nil {
		reason := domain.RejectBelowThreshold
		if errors.Is(err, domain.ErrCostBasisViolation) {
			reason = domain.RejectCostBasisViolation
			a.logger.WarnContext(ctx, "proposal violates cost basis",
				slog.String("layer", p.LayerID),
				slog.String("symbol", p.Symbol()),
				slog.Float64("expected_pnl", p.Opportunity.ExpectedPnLAfterFees),
			)
		}
		a.rejected.Add(1)
		return a.decide(domain.Decision{Outcome: domain.OutcomeRejected, Reason: reason, Proposal: p, Cycle: a.cycle.Load()})
	}

	a.barrier.RLock()
	defer a.barrier.RUnlock()

	cycle := a.cycle.Load()
	c := a.cellFor(p.Symbol())
	c.contest()
	if !c.acquire() {
		c.recordLoser(p.LayerID)
		a.locked.Add(1)
		return a.decide(domain.Decision{Outcome: domain.OutcomeRejected, Reason: domain.RejectAlreadyLocked, Proposal: p, Cycle: cycle})
	}

	c.recordWinner(p, a.opts.Now())
	a.winners.Add(1)

	if a.opts.Handoff != nil {
		if err := a.opts.Handoff.Enqueue(ctx, p); err != nil {
			a.handoffFailures.Add(1)
			a.logger.ErrorContext(ctx, "winner handoff failed",
				slog.String("proposal_id", p.ID),
				slog.String("symbol", p.Symbol()),
				slog.String("error", err.Error()),
			)
		}
	}
	c.cas(StateLocked, StateResolved)

	return a.decide(domain.Decision{Outcome: domain.OutcomeWinner, Proposal: p, Cycle: cycle})
}

func (a *Arbiter) decide(d domain.Decision) domain.Decision {
	metrics.ProposalsTotal.WithLabelValues(d.Proposal.LayerID, string(d.Outcome), string(d.Reason)).Inc()
	a.logger.Debug("proposal decided",
		slog.String("layer", d.Proposal.LayerID),
		slog.String("symbol", d.Proposal.Symbol()),
		slog.String("outcome", string(d.Outcome)),
		slog.String("reason", string(d.Reason)),
		slog.Uint64("cycle", d.Cycle),
	)
	for _, o := range a.opts.Observers {
		o.OnDecision(d)
	}
	return d
}

// EndCycle closes the current cycle: it emits one arbitration record per
// contested symbol, resets every cell to IDLE, and advances the cycle
// counter. Records are appended to the in-memory log and passed to the audit
// sink; a sink failure is logged and never blocks the next cycle.
func (a *Arbiter) EndCycle(ctx context.Context) []domain.ArbitrationRecord {
	a.barrier.Lock()
	cycle := a.cycle.Load()

	a.cellsMu.Lock()
	symbols := make([]string, 0, len(a.cells))
	for s := range a.cells {
		symbols = append(symbols, s)
	}
	slices.Sort(symbols)

	var out []domain.ArbitrationRecord
	var idle []string
	for _, s := range symbols {
		rec, ok := a.cells[s].drain(cycle, uuid.NewString)
		if ok {
			out = append(out, rec)
		} else {
			idle = append(idle, s)
		}
	}
	// Keep the table near its hint by dropping cells idle for a whole cycle.
	if len(a.cells) > a.opts.CapacityHint {
		for _, s := range idle {
			delete(a.cells, s)
		}
	}
	a.cellsMu.Unlock()

	a.cycle.Add(1)
	a.barrier.Unlock()

	metrics.CyclesTotal.Inc()
	if len(out) == 0 {
		return nil
	}

	a.recMu.Lock()
	a.records = append(a.records, out...)
	if over := len(a.records) - a.opts.MaxRecords; over > 0 {
		a.records = slices.Delete(a.records, 0, over)
	}
	a.recMu.Unlock()

	for _, rec := range out {
		if a.opts.Sink != nil {
			if err := a.opts.Sink.RecordArbitration(ctx, rec); err != nil {
				a.logger.WarnContext(ctx, "audit write failed",
					slog.String("symbol", rec.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		for _, o := range a.opts.Observers {
			o.OnRecord(rec)
		}
	}
	a.logger.InfoContext(ctx, "arbitration cycle closed",
		slog.Uint64("cycle", cycle),
		slog.Int("resolved", len(out)),
	)
	return out
}

// Records returns up to limit of the most recent arbitration records, oldest
// first. A limit <= 0 returns all retained records.
func (a *Arbiter) Records(limit int) []domain.ArbitrationRecord {
	a.recMu.RLock()
	defer a.recMu.RUnlock()
	start := 0
	if limit > 0 && len(a.records) > limit {
		start = len(a.records) - limit
	}
	return slices.Clone(a.records[start:])
}

// Stats returns counters describing arbiter activity.
func (a *Arbiter) Stats() Stats {
	a.recMu.RLock()
	n := len(a.records)
	a.recMu.RUnlock()
	a.cellsMu.RLock()
	cells := len(a.cells)
	a.cellsMu.RUnlock()
	return Stats{
		Cycle:     a.cycle.Load(),
		Winners:   a.winners.Load(),
		Locked:    a.locked.Load(),
		Policy:    a.rejected.Load(),
		Handoffs:  a.handoffFailures.Load(),
		Records:   n,
		CellCount: cells,
	}
}

// Submit queues p for the Run loop. It never blocks: a full queue returns
// domain.ErrQueueFull and the proposal loses this cycle.
func (a *Arbiter) Submit(ctx context.Context, p domain.StrategyProposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case a.intake <- p:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Run consumes submitted proposals in arrival order and closes a cycle every
// interval until ctx is cancelled. Proposals still queued at shutdown are
// decided and recorded in a final cycle.
func (a *Arbiter) Run(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "arbiter started", slog.Duration("cycle_interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain()
			a.logger.InfoContext(ctx, "arbiter stopped", slog.Uint64("cycles", a.cycle.Load()))
			return ctx.Err()
		case p := <-a.intake:
			a.Propose(ctx, p)
		case <-ticker.C:
			a.EndCycle(ctx)
		}
	}
}

func (a *Arbiter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case p := <-a.intake:
			a.Propose(ctx, p)
		default:
			a.EndCycle(ctx)
			return
		}
	}
}
