package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

type flakyConnector struct {
	failures int // first N calls fail
	calls    int
	execErr  error
	block    bool
}

func (f *flakyConnector) Venue() string      { return "test" }
func (f *flakyConnector) QuoteAsset() string { return "USDT" }

func (f *flakyConnector) GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.calls <= f.failures {
		return nil, domain.ErrConnectorFailure
	}
	return []domain.MarketSnapshot{{Venue: "test", Symbol: "BTC"}}, nil
}

func (f *flakyConnector) GetBalances(context.Context) ([]domain.HeldAsset, error) {
	f.calls++
	return nil, errors.New("bad credentials")
}

func (f *flakyConnector) Execute(context.Context, domain.ScoredOpportunity, string) (domain.ExecutionReceipt, error) {
	f.calls++
	return domain.ExecutionReceipt{}, f.execErr
}

func wrap(inner domain.Connector, opts Options) *Resilient {
	r := Wrap(inner, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 100*time.Millisecond, time.Second); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryRecovers(t *testing.T) {
	inner := &flakyConnector{failures: 2}
	r := wrap(inner, Options{MaxRetries: 3, BreakerThreshold: 10})
	snaps, err := r.GetSnapshots(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 || inner.calls != 3 {
		t.Fatalf("snaps=%d calls=%d", len(snaps), inner.calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	inner := &flakyConnector{failures: 10}
	r := wrap(inner, Options{MaxRetries: 2, BreakerThreshold: 10})
	_, err := r.GetSnapshots(context.Background())
	if !errors.Is(err, domain.ErrConnectorFailure) {
		t.Fatalf("err = %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestNonRetryableNotRetried(t *testing.T) {
	inner := &flakyConnector{}
	r := wrap(inner, Options{MaxRetries: 5, BreakerThreshold: 10})
	if _, err := r.GetBalances(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d, want 1", inner.calls)
	}
}

func TestExecuteNeverRetried(t *testing.T) {
	inner := &flakyConnector{execErr: domain.ErrConnectorFailure}
	r := wrap(inner, Options{MaxRetries: 5, BreakerThreshold: 10})
	if _, err := r.Execute(context.Background(), domain.ScoredOpportunity{}, "id"); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("calls = %d, want 1", inner.calls)
	}
}

func TestTimeoutIsConnectorFailure(t *testing.T) {
	inner := &flakyConnector{block: true}
	r := wrap(inner, Options{CallTimeout: 10 * time.Millisecond, BreakerThreshold: 10})
	_, err := r.GetSnapshots(context.Background())
	if !errors.Is(err, domain.ErrConnectorFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestBreakerOpensAndProbes(t *testing.T) {
	inner := &flakyConnector{failures: 3}
	r := wrap(inner, Options{BreakerThreshold: 3, BreakerCooldown: time.Minute})
	now := time.Now()
	r.breaker.now = func() time.Time { return now }

	for range 3 {
		_, _ = r.GetSnapshots(context.Background())
	}
	if r.breaker.State() != BreakerOpen {
		t.Fatalf("state = %s, want open", r.breaker.State())
	}
	_, err := r.GetSnapshots(context.Background())
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if inner.calls != 3 {
		t.Fatalf("open breaker let a call through: calls=%d", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.GetSnapshots(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if r.breaker.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed", r.breaker.State())
	}
}

func TestExecutionRejectKeepsBreakerClosed(t *testing.T) {
	inner := &flakyConnector{execErr: domain.ErrExecution}
	r := wrap(inner, Options{BreakerThreshold: 1})
	_, _ = r.Execute(context.Background(), domain.ScoredOpportunity{}, "id")
	if r.breaker.State() != BreakerClosed {
		t.Fatalf("state = %s", r.breaker.State())
	}
}
