package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	snaps []domain.MarketSnapshot
	err   error
	block bool
	calls int
}

func (f *fakeSource) Venue() string      { return "paper" }
func (f *fakeSource) QuoteAsset() string { return "USDT" }

func (f *fakeSource) GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error) {
	f.mu.Lock()
	f.calls++
	block, err := f.block, f.err
	out := slices.Clone(f.snaps)
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return out, err
}

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedSnapshots() []domain.MarketSnapshot {
	return []domain.MarketSnapshot{
		{Symbol: "SOL", LastPrice: 140, Change24hPct: 4.2, Volume24h: 1000, Bid: 139.9, Ask: 140.1, CapturedAt: t0},
		{Symbol: "CHZ", LastPrice: 0.08, Change24hPct: -6, Volume24h: 5000, Bid: 0.0799, Ask: 0.0801, CapturedAt: t0},
	}
}

func newTestCache(src *fakeSource, now *time.Time) *Cache {
	return NewCache([]Source{src}, Options{
		StalenessWindow: time.Minute,
		RefreshTimeout:  20 * time.Millisecond,
		BaselineWindow:  5,
		Now:             func() time.Time { return *now },
	}, testLogger())
}

func TestRefreshAndGet(t *testing.T) {
	now := t0
	src := &fakeSource{snaps: seedSnapshots()}
	c := newTestCache(src, &now)

	if _, err := c.Get("paper", "SOL"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty cache Get err = %v, want ErrNotFound", err)
	}

	n, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 3 {
		t.Fatalf("updated = %d, want 3 (two symbols + quote)", n)
	}

	sol, err := c.Get("paper", "SOL")
	if err != nil {
		t.Fatalf("Get SOL: %v", err)
	}
	if sol.Venue != "paper" || sol.LastPrice != 140 {
		t.Errorf("SOL = %+v", sol)
	}
	if sol.VolumeBaseline != 1000 {
		t.Errorf("baseline = %v, want 1000 after first observation", sol.VolumeBaseline)
	}

	quote, err := c.Get("paper", "USDT")
	if err != nil {
		t.Fatalf("Get quote: %v", err)
	}
	if quote.LastPrice != 1 || quote.SpreadBps() != 0 || !quote.CapturedAt.Equal(t0) {
		t.Errorf("quote snapshot = %+v", quote)
	}
	if c.Degraded() {
		t.Errorf("cache should not be degraded")
	}
}

func TestRefreshIdempotent(t *testing.T) {
	now := t0
	src := &fakeSource{snaps: seedSnapshots()}
	c := newTestCache(src, &now)

	n1, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	first := slices.Collect(c.All())

	n2, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	second := slices.Collect(c.All())

	if n1 != n2 {
		t.Errorf("counts differ: %d vs %d", n1, n2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshot content changed across identical refreshes:\n%+v\n%+v", first, second)
	}
}

func TestRefreshFailureRetainsPrevious(t *testing.T) {
	now := t0
	src := &fakeSource{snaps: seedSnapshots()}
	c := newTestCache(src, &now)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*fakeSource)
	}{
		{"upstream error", func(f *fakeSource) { f.err = errors.New("503 service unavailable") }},
		{"empty result", func(f *fakeSource) { f.err = nil; f.snaps = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.set(tt.mutate)
			n, err := c.Refresh(context.Background())
			if !errors.Is(err, domain.ErrConnectorFailure) {
				t.Fatalf("err = %v, want ErrConnectorFailure", err)
			}
			if n != 0 {
				t.Errorf("updated = %d, want 0", n)
			}
			if !c.Degraded() {
				t.Errorf("cache should be degraded")
			}
			if _, err := c.Get("paper", "CHZ"); err != nil {
				t.Errorf("previous snapshot lost: %v", err)
			}
			if c.Len() != 3 {
				t.Errorf("Len = %d, want 3", c.Len())
			}
		})
	}
}

func TestRefreshTimeoutLeavesStaleSet(t *testing.T) {
	now := t0
	src := &fakeSource{snaps: seedSnapshots()}
	c := newTestCache(src, &now)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("seed refresh: %v", err)
	}

	now = t0.Add(2 * time.Minute)
	src.set(func(f *fakeSource) { f.block = true })

	_, err := c.Refresh(context.Background())
	if !errors.Is(err, domain.ErrConnectorFailure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want connector failure wrapping deadline exceeded", err)
	}
	if !c.Degraded() {
		t.Fatalf("staleness flag not set")
	}

	for s := range c.All() {
		if !c.IsStale(s, now) {
			t.Errorf("%s should be stale at %v", s.Key(), now)
		}
		if _, err := c.Fresh(s.Venue, s.Symbol, now); !errors.Is(err, domain.ErrStaleData) {
			t.Errorf("Fresh(%s) err = %v, want ErrStaleData", s.Key(), err)
		}
	}
}

func TestAllIsRestartableAndPointInTime(t *testing.T) {
	now := t0
	src := &fakeSource{snaps: seedSnapshots()}
	c := newTestCache(src, &now)
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	seq := c.All()
	first := slices.Collect(seq)

	src.set(func(f *fakeSource) {
		f.snaps = append(f.snaps, domain.MarketSnapshot{Symbol: "BTC", LastPrice: 60000, CapturedAt: t0})
	})
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	again := slices.Collect(seq)
	if !reflect.DeepEqual(first, again) {
		t.Errorf("sequence not restartable over its generation")
	}
	keys := make([]string, 0, len(first))
	for _, s := range first {
		keys = append(keys, s.Key())
	}
	if !slices.IsSorted(keys) {
		t.Errorf("All not ordered: %v", keys)
	}
	if got := len(slices.Collect(c.All())); got != 4 {
		t.Errorf("new generation has %d snapshots, want 4", got)
	}
}

func TestConcurrentReadersDuringRefresh(t *testing.T) {
	now := t0
	src := &fakeSource{snaps: seedSnapshots()}
	c := NewCache([]Source{src}, Options{StalenessWindow: time.Minute, BaselineWindow: 3, Now: func() time.Time { return now }}, testLogger())
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := 0
				for range c.All() {
					n++
				}
				if n != 3 {
					t.Errorf("reader saw partial set of %d", n)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestBaselineTracker(t *testing.T) {
	b := NewBaselineTracker(3)
	if got := b.Baseline("x"); got != 0 {
		t.Fatalf("empty baseline = %v", got)
	}
	for _, v := range []float64{10, 20, 30, 40} {
		b.Observe("x", v)
	}
	if got := b.Baseline("x"); got != 30 {
		t.Errorf("baseline = %v, want mean of last 3 = 30", got)
	}
	if got := b.Observe("x", 0); got != 30 {
		t.Errorf("zero volume should be ignored, got %v", got)
	}
}
