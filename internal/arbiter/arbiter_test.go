package arbiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/ranker"
)

type memSink struct {
	mu   sync.Mutex
	recs []domain.ArbitrationRecord
	err  error
}

func (m *memSink) RecordArbitration(_ context.Context, rec domain.ArbitrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func (m *memSink) RecordExecution(context.Context, domain.ExecutionReceipt) error { return nil }

func (m *memSink) all() []domain.ArbitrationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.recs)
}

type memHandoff struct {
	mu  sync.Mutex
	got []domain.StrategyProposal
	fn  func(domain.StrategyProposal)
	err error
}

func (h *memHandoff) Enqueue(_ context.Context, p domain.StrategyProposal) error {
	if h.fn != nil {
		h.fn(p)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, p)
	return h.err
}

func (h *memHandoff) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func policy(t *testing.T) ranker.Policy {
	t.Helper()
	p, err := ranker.NewPolicy([]string{"USDT"}, 0.35, 0.55)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func proposal(layer, from, to string, score float64) domain.StrategyProposal {
	return domain.StrategyProposal{
		ID:      layer + "-" + from + "-" + to,
		LayerID: layer,
		Opportunity: domain.ScoredOpportunity{
			Candidate:            domain.CandidateConversion{Venue: "paper", FromAsset: from, ToAsset: to},
			CombinedScore:        score,
			ExpectedPnLAfterFees: 1,
		},
		DetectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFirstLockWinsRegardlessOfScore(t *testing.T) {
	sink := &memSink{}
	handoff := &memHandoff{}
	a := New(policy(t), Options{Sink: sink, Handoff: handoff}, discard())
	ctx := context.Background()

	dA := a.Propose(ctx, proposal("A", "SOL", "USDT", 0.60))
	dB := a.Propose(ctx, proposal("B", "SOL", "USDT", 0.95))

	if !dA.Won() {
		t.Fatalf("A acquired the lock first but got %+v", dA)
	}
	if dB.Won() || dB.Reason != domain.RejectAlreadyLocked {
		t.Fatalf("B = %+v, want rejected AlreadyLocked", dB)
	}
	if !errors.Is(dB.Reason.Err(), domain.ErrAlreadyLocked) {
		t.Errorf("reason error = %v", dB.Reason.Err())
	}
	if got := a.State("paper:SOL"); got != StateResolved {
		t.Errorf("state after handoff = %s, want RESOLVED", got)
	}
	if handoff.count() != 1 || handoff.got[0].LayerID != "A" {
		t.Errorf("handoff = %+v, want only A", handoff.got)
	}

	recs := a.EndCycle(ctx)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Symbol != "paper:SOL" || rec.WinningLayerID != "A" || !slices.Equal(rec.LosingLayerIDs, []string{"B"}) {
		t.Errorf("record = %+v", rec)
	}
	if rec.Cycle != 0 || a.Cycle() != 1 {
		t.Errorf("record cycle %d, arbiter cycle %d", rec.Cycle, a.Cycle())
	}
	if got := sink.all(); len(got) != 1 || got[0].ID != rec.ID {
		t.Errorf("sink got %+v", got)
	}
	if got := a.State("paper:SOL"); got != StateIdle {
		t.Errorf("state after cycle = %s, want IDLE", got)
	}
}

func TestExactlyOneWinnerUnderContention(t *testing.T) {
	const (
		layers  = 8
		symbols = 16
		cycles  = 20
	)
	handoff := &memHandoff{}
	a := New(policy(t), Options{CapacityHint: 4, Handoff: handoff}, discard())
	ctx := context.Background()

	for cycle := 0; cycle < cycles; cycle++ {
		start := make(chan struct{})
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := map[string][]string{}

		for l := 0; l < layers; l++ {
			wg.Add(1)
			go func(layer string) {
				defer wg.Done()
				<-start
				for s := 0; s < symbols; s++ {
					d := a.Propose(ctx, proposal(layer, fmt.Sprintf("S%02d", s), "USDT", 0.5))
					if d.Won() {
						mu.Lock()
						winners[d.Proposal.Symbol()] = append(winners[d.Proposal.Symbol()], layer)
						mu.Unlock()
					} else if d.Reason != domain.RejectAlreadyLocked {
						t.Errorf("unexpected rejection %s", d.Reason)
					}
				}
			}(fmt.Sprintf("L%d", l))
		}
		close(start)
		wg.Wait()

		recs := a.EndCycle(ctx)
		if len(recs) != symbols {
			t.Fatalf("cycle %d: %d records, want %d", cycle, len(recs), symbols)
		}
		for _, rec := range recs {
			w := winners[rec.Symbol]
			if len(w) != 1 {
				t.Fatalf("cycle %d %s: winners %v", cycle, rec.Symbol, w)
			}
			if rec.WinningLayerID != w[0] {
				t.Errorf("record winner %s, decision winner %s", rec.WinningLayerID, w[0])
			}
			if len(rec.LosingLayerIDs) != layers-1 || slices.Contains(rec.LosingLayerIDs, rec.WinningLayerID) {
				t.Errorf("cycle %d %s: losers %v", cycle, rec.Symbol, rec.LosingLayerIDs)
			}
		}
	}
	if got := handoff.count(); got != symbols*cycles {
		t.Errorf("handoffs = %d, want %d", got, symbols*cycles)
	}
}

func TestPolicyRejectionsStayOutOfContest(t *testing.T) {
	a := New(policy(t), Options{}, discard())
	ctx := context.Background()

	low := a.Propose(ctx, proposal("A", "SOL", "BTC", 0.50))
	if low.Won() || low.Reason != domain.RejectBelowThreshold {
		t.Fatalf("speculative 0.50 = %+v, want BelowThreshold", low)
	}

	loss := proposal("B", "SOL", "USDT", 0.9)
	loss.Opportunity.ExpectedPnLAfterFees = -0.5
	d := a.Propose(ctx, loss)
	if d.Won() || d.Reason != domain.RejectCostBasisViolation {
		t.Fatalf("loss = %+v, want CostBasisViolation", d)
	}

	if got := a.State("paper:SOL"); got != StateIdle {
		t.Errorf("policy rejections changed state to %s", got)
	}
	if ok := a.Propose(ctx, proposal("C", "SOL", "USDT", 0.40)); !ok.Won() {
		t.Errorf("valid checkpoint proposal after rejections = %+v", ok)
	}
	recs := a.EndCycle(ctx)
	if len(recs) != 1 || len(recs[0].LosingLayerIDs) != 0 {
		t.Errorf("records = %+v", recs)
	}
	if s := a.Stats(); s.Policy != 2 || s.Winners != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDecisionRecordedBeforeHandoff(t *testing.T) {
	handoff := &memHandoff{}
	a := New(policy(t), Options{Handoff: handoff}, discard())
	ctx := context.Background()

	handoff.fn = func(p domain.StrategyProposal) {
		if p.LayerID != "A" {
			return
		}
		if got := a.State(p.Symbol()); got != StateLocked {
			t.Errorf("state during handoff = %s, want LOCKED", got)
		}
		if a.Stats().Winners != 1 {
			t.Errorf("winner not counted before handoff")
		}
		// Another symbol can be arbitrated while this one is being handed off.
		if d := a.Propose(ctx, proposal("X", "ETH", "USDT", 0.5)); !d.Won() {
			t.Errorf("independent symbol blocked: %+v", d)
		}
	}
	if d := a.Propose(ctx, proposal("A", "SOL", "USDT", 0.5)); !d.Won() {
		t.Fatalf("A = %+v", d)
	}
	handoff.fn = nil
	if got := a.State("paper:SOL"); got != StateResolved {
		t.Errorf("state = %s, want RESOLVED", got)
	}
}

func TestHandoffFailureKeepsDecision(t *testing.T) {
	handoff := &memHandoff{err: domain.ErrQueueFull}
	a := New(policy(t), Options{Handoff: handoff}, discard())
	ctx := context.Background()

	if d := a.Propose(ctx, proposal("A", "SOL", "USDT", 0.5)); !d.Won() {
		t.Fatalf("A = %+v", d)
	}
	if s := a.Stats(); s.Handoffs != 1 {
		t.Errorf("handoff failures = %d", s.Handoffs)
	}
	if recs := a.EndCycle(ctx); len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}
}

func TestSinkFailureDoesNotBlockCycles(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	a := New(policy(t), Options{Sink: sink}, discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.Propose(ctx, proposal("A", "SOL", "USDT", 0.5))
		if recs := a.EndCycle(ctx); len(recs) != 1 {
			t.Fatalf("cycle %d records = %d", i, len(recs))
		}
	}
	if got := len(a.Records(0)); got != 3 {
		t.Errorf("log has %d records, want 3", got)
	}
	if got := len(sink.all()); got != 3 {
		t.Errorf("sink saw %d writes", got)
	}
}

func TestEmptyCycleAndRecordBound(t *testing.T) {
	a := New(policy(t), Options{MaxRecords: 2, CapacityHint: 1}, discard())
	ctx := context.Background()

	if recs := a.EndCycle(ctx); recs != nil {
		t.Errorf("empty cycle produced %+v", recs)
	}
	for _, sym := range []string{"A", "B", "C"} {
		a.Propose(ctx, proposal("L", sym, "USDT", 0.5))
	}
	a.EndCycle(ctx)
	recs := a.Records(0)
	if len(recs) != 2 || recs[0].Symbol != "paper:B" || recs[1].Symbol != "paper:C" {
		t.Errorf("retained records = %+v", recs)
	}
	if got := a.Records(1); len(got) != 1 || got[0].Symbol != "paper:C" {
		t.Errorf("Records(1) = %+v", got)
	}

	a.EndCycle(ctx)
	if s := a.Stats(); s.CellCount > 1 {
		t.Errorf("idle cells not pruned past capacity: %d", s.CellCount)
	}
}

func TestSubmitAndRun(t *testing.T) {
	sink := &memSink{}
	a := New(policy(t), Options{QueueSize: 2, Sink: sink}, discard())
	ctx, cancel := context.WithCancel(context.Background())

	if err := a.Submit(ctx, proposal("A", "SOL", "USDT", 0.5)); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if err := a.Submit(ctx, proposal("B", "SOL", "USDT", 0.9)); err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if err := a.Submit(ctx, proposal("C", "SOL", "USDT", 0.9)); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("submit C err = %v, want ErrQueueFull", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, time.Hour) }()

	deadline := time.After(2 * time.Second)
	for a.Stats().Locked < 1 {
		select {
		case <-deadline:
			t.Fatalf("run loop did not consume proposals")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}

	recs := sink.all()
	if len(recs) != 1 || recs[0].WinningLayerID != "A" || !slices.Equal(recs[0].LosingLayerIDs, []string{"B"}) {
		t.Fatalf("records after shutdown = %+v", recs)
	}
	if err := a.Submit(ctx, proposal("D", "SOL", "USDT", 0.5)); !errors.Is(err, context.Canceled) {
		t.Errorf("submit after cancel = %v", err)
	}
}
