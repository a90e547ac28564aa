package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

type memSink struct {
	mu    sync.Mutex
	arbs  []domain.ArbitrationRecord
	execs []domain.ExecutionReceipt
	err   error
}

func (m *memSink) RecordArbitration(_ context.Context, r domain.ArbitrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.arbs = append(m.arbs, r)
	return nil
}

func (m *memSink) RecordExecution(_ context.Context, r domain.ExecutionReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.execs = append(m.execs, r)
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFanoutWritesEveryBackend(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("down")}
	c := &memSink{}
	f := NewFanout([]Backend{{"a", a}, {"b", b}, {"c", c}}, 8, time.Second, discard())

	_ = f.RecordArbitration(context.Background(), domain.ArbitrationRecord{ID: "r1", Symbol: "paper:SOL"})
	_ = f.RecordExecution(context.Background(), domain.ExecutionReceipt{ProposalID: "p1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = f.Run(ctx) // flushes on cancel

	for name, s := range map[string]*memSink{"a": a, "c": c} {
		if len(s.arbs) != 1 || len(s.execs) != 1 {
			t.Errorf("%s: arbs=%d execs=%d", name, len(s.arbs), len(s.execs))
		}
	}
}

func TestFanoutDropsWhenFull(t *testing.T) {
	f := NewFanout([]Backend{{"a", &memSink{}}}, 1, time.Second, discard())
	if err := f.RecordArbitration(context.Background(), domain.ArbitrationRecord{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	err := f.RecordArbitration(context.Background(), domain.ArbitrationRecord{ID: "2"})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestFanoutWithoutBackendsIsNoop(t *testing.T) {
	f := NewFanout(nil, 1, time.Second, discard())
	for range 5 {
		if err := f.RecordExecution(context.Background(), domain.ExecutionReceipt{}); err != nil {
			t.Fatal(err)
		}
	}
}
