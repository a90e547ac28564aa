package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

type fakeConnector struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeConnector) Venue() string      { return "paper" }
func (f *fakeConnector) QuoteAsset() string { return "USDT" }
func (f *fakeConnector) GetSnapshots(context.Context) ([]domain.MarketSnapshot, error) {
	return nil, nil
}
func (f *fakeConnector) GetBalances(context.Context) ([]domain.HeldAsset, error) { return nil, nil }

func (f *fakeConnector) Execute(_ context.Context, opp domain.ScoredOpportunity, id string) (domain.ExecutionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.ExecutionReceipt{ClientOrderID: id, Venue: "paper", Status: domain.ExecutionRejected}, f.err
	}
	return domain.ExecutionReceipt{
		ClientOrderID: id,
		Venue:         "paper",
		FromAsset:     opp.Candidate.FromAsset,
		ToAsset:       opp.Candidate.ToAsset,
		QtyIn:         decimal.NewFromFloat(opp.Quantity),
		QtyOut:        decimal.NewFromInt(8),
		Fee:           decimal.RequireFromString("0.01"),
		Status:        domain.ExecutionFilled,
	}, nil
}

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu       sync.Mutex
	receipts []domain.ExecutionReceipt
	filled   int
	failed   int
	applied  []decimal.Decimal
}

func (r *recorder) RecordArbitration(context.Context, domain.ArbitrationRecord) error { return nil }

func (r *recorder) RecordExecution(_ context.Context, rec domain.ExecutionReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, rec)
	return nil
}

func (r *recorder) ExecutionFilled(context.Context, domain.ExecutionReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filled++
	return nil
}

func (r *recorder) ExecutionFailed(context.Context, domain.ExecutionReceipt, error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	return nil
}

func (r *recorder) Apply(_ domain.ExecutionReceipt, v decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, v)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func proposal(id string) domain.StrategyProposal {
	return domain.StrategyProposal{
		ID:      id,
		LayerID: "momentum",
		Opportunity: domain.ScoredOpportunity{
			Candidate: domain.CandidateConversion{Venue: "paper", FromAsset: "CHZ", ToAsset: "USDT"},
			Quantity:  100,
			Notional:  8,
		},
	}
}

func newExecutor(conn domain.Connector, rec *recorder, opts Options) *Executor {
	opts.Sink, opts.Notifier, opts.Ledger = rec, rec, rec
	return New([]domain.Connector{conn}, opts, discard())
}

func TestProcessExecutesOnce(t *testing.T) {
	conn := &fakeConnector{}
	rec := &recorder{}
	e := newExecutor(conn, rec, Options{})

	e.process(context.Background(), proposal("p1"))
	e.process(context.Background(), proposal("p1"))

	if conn.callCount() != 1 {
		t.Fatalf("Execute called %d times, want 1", conn.callCount())
	}
	if len(rec.receipts) != 1 || rec.receipts[0].ProposalID != "p1" || rec.receipts[0].LayerID != "momentum" {
		t.Fatalf("receipts = %+v", rec.receipts)
	}
	if rec.filled != 1 || rec.failed != 0 {
		t.Fatalf("filled=%d failed=%d", rec.filled, rec.failed)
	}
	// 100 sold at 0.08 less 0.01 fee.
	if len(rec.applied) != 1 || !rec.applied[0].Equal(decimal.RequireFromString("7.99")) {
		t.Fatalf("applied = %v", rec.applied)
	}
	if got := e.Recent(10); len(got) != 1 {
		t.Fatalf("recent = %+v", got)
	}
}

func TestProcessFailureNotRetried(t *testing.T) {
	conn := &fakeConnector{err: domain.ErrExecution}
	rec := &recorder{}
	e := newExecutor(conn, rec, Options{})

	e.process(context.Background(), proposal("p2"))

	if conn.callCount() != 1 {
		t.Fatalf("Execute called %d times, want 1", conn.callCount())
	}
	if rec.failed != 1 || rec.filled != 0 || len(rec.applied) != 0 {
		t.Fatalf("failed=%d filled=%d applied=%d", rec.failed, rec.filled, len(rec.applied))
	}
	if len(rec.receipts) != 1 || rec.receipts[0].Error == "" {
		t.Fatalf("receipts = %+v", rec.receipts)
	}
}

func TestProcessUnknownVenue(t *testing.T) {
	rec := &recorder{}
	e := newExecutor(&fakeConnector{}, rec, Options{})
	p := proposal("p3")
	p.Opportunity.Candidate.Venue = "kraken"

	e.process(context.Background(), p)
	if len(rec.receipts) != 1 || rec.receipts[0].Status != domain.ExecutionFailed {
		t.Fatalf("receipts = %+v", rec.receipts)
	}
}

func TestProcessSkipsWhenLockHeld(t *testing.T) {
	conn := &fakeConnector{}
	rec := &recorder{}
	e := newExecutor(conn, rec, Options{Lock: heldLock{}})

	e.process(context.Background(), proposal("p4"))
	if conn.callCount() != 0 || len(rec.receipts) != 0 {
		t.Fatalf("executed despite held lock: calls=%d", conn.callCount())
	}
}

func TestEnqueueNonBlocking(t *testing.T) {
	e := newExecutor(&fakeConnector{}, &recorder{}, Options{QueueSize: 1})
	if err := e.Enqueue(context.Background(), proposal("a")); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(context.Background(), proposal("b")); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	conn := &fakeConnector{}
	rec := &recorder{}
	e := newExecutor(conn, rec, Options{QueueSize: 4})
	for _, id := range []string{"a", "b", "c"} {
		if err := e.Enqueue(context.Background(), proposal(id)); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
	if conn.callCount() != 3 {
		t.Fatalf("executed %d, want 3", conn.callCount())
	}
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }
	if !d.Claim("x") {
		t.Fatal("first claim refused")
	}
	if d.Claim("x") {
		t.Fatal("second claim accepted inside ttl")
	}
	now = now.Add(2 * time.Minute)
	if n := d.Sweep(); n != 1 || d.Len() != 0 {
		t.Fatalf("swept %d, len %d", n, d.Len())
	}
	if !d.Claim("x") {
		t.Fatal("claim refused after expiry")
	}
}
