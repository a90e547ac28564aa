package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

type fakeSource struct {
	venue string
	held  []domain.HeldAsset
	err   error
}

func (f *fakeSource) Venue() string { return f.venue }

func (f *fakeSource) GetBalances(context.Context) ([]domain.HeldAsset, error) {
	return f.held, f.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestPortfolio(src ...BalanceSource) *Portfolio {
	basis := map[string]decimal.Decimal{"binance:CHZ": d("5")}
	return New(src, basis, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRefreshOverlaysBasis(t *testing.T) {
	src := &fakeSource{venue: "binance", held: []domain.HeldAsset{
		{Asset: "CHZ", Free: d("100")},
		{Asset: "BTC", Free: d("0.1"), CostBasis: d("5000")},
		{Asset: "DUST", Free: d("0")},
	}}
	p := newTestPortfolio(src)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	held := p.Holdings()
	if len(held) != 2 {
		t.Fatalf("holdings = %+v", held)
	}
	for _, h := range held {
		if h.Venue != "binance" {
			t.Errorf("venue = %q", h.Venue)
		}
		switch h.Asset {
		case "CHZ":
			if !h.CostBasis.Equal(d("5")) {
				t.Errorf("CHZ basis = %s, want 5", h.CostBasis)
			}
		case "BTC":
			if !h.CostBasis.Equal(d("5000")) {
				t.Errorf("BTC basis = %s, want reported 5000", h.CostBasis)
			}
		}
	}
}

func TestRefreshFailureKeepsPrevious(t *testing.T) {
	src := &fakeSource{venue: "binance", held: []domain.HeldAsset{{Asset: "CHZ", Free: d("100")}}}
	p := newTestPortfolio(src)
	_ = p.Refresh(context.Background())

	src.err = domain.ErrConnectorFailure
	src.held = nil
	err := p.Refresh(context.Background())
	if !errors.Is(err, domain.ErrConnectorFailure) {
		t.Fatalf("Refresh err = %v", err)
	}
	if len(p.Holdings()) != 1 {
		t.Fatalf("holdings dropped after failed refresh: %+v", p.Holdings())
	}
}

func TestApplyMovesBasis(t *testing.T) {
	src := &fakeSource{venue: "binance", held: []domain.HeldAsset{{Asset: "CHZ", Free: d("100")}}}
	p := newTestPortfolio(src)
	_ = p.Refresh(context.Background())

	p.Apply(domain.ExecutionReceipt{
		Venue: "binance", FromAsset: "CHZ", ToAsset: "USDT",
		QtyIn: d("40"), QtyOut: d("3.2"), Status: domain.ExecutionFilled,
	}, d("3.2"))

	var chz, usdt domain.HeldAsset
	for _, h := range p.Holdings() {
		switch h.Asset {
		case "CHZ":
			chz = h
		case "USDT":
			usdt = h
		}
	}
	if !chz.Free.Equal(d("60")) || !chz.CostBasis.Equal(d("3")) {
		t.Errorf("CHZ after apply = free %s basis %s, want 60 / 3", chz.Free, chz.CostBasis)
	}
	if !usdt.Free.Equal(d("3.2")) || !usdt.CostBasis.Equal(d("3.2")) {
		t.Errorf("USDT after apply = free %s basis %s, want 3.2 / 3.2", usdt.Free, usdt.CostBasis)
	}
}

func TestApplyIgnoresFailed(t *testing.T) {
	src := &fakeSource{venue: "binance", held: []domain.HeldAsset{{Asset: "CHZ", Free: d("100")}}}
	p := newTestPortfolio(src)
	_ = p.Refresh(context.Background())

	p.Apply(domain.ExecutionReceipt{
		Venue: "binance", FromAsset: "CHZ", ToAsset: "USDT",
		QtyIn: d("40"), Status: domain.ExecutionFailed,
	}, d("3.2"))
	if h := p.Holdings(); len(h) != 1 || !h[0].Free.Equal(d("100")) {
		t.Fatalf("holdings changed by failed receipt: %+v", h)
	}
}
