package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestArbitrationRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, sym := range []string{"paper:SOL", "paper:CHZ", "paper:BTC"} {
		rec := domain.ArbitrationRecord{
			ID:                "r" + sym,
			Cycle:             uint64(i + 1),
			Symbol:            sym,
			WinningLayerID:    "momentum",
			WinningProposalID: "p" + sym,
			LosingLayerIDs:    []string{"reversal"},
			DecisionAt:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.RecordArbitration(ctx, rec); err != nil {
			t.Fatalf("RecordArbitration: %v", err)
		}
		// Re-recording is ignored.
		if err := s.RecordArbitration(ctx, rec); err != nil {
			t.Fatalf("duplicate RecordArbitration: %v", err)
		}
	}

	all, err := s.ListArbitrations(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("ListArbitrations: %v", err)
	}
	if len(all) != 3 || all[0].Symbol != "paper:BTC" {
		t.Fatalf("list = %+v", all)
	}
	if len(all[0].LosingLayerIDs) != 1 || all[0].LosingLayerIDs[0] != "reversal" || all[0].Cycle != 3 {
		t.Fatalf("record = %+v", all[0])
	}

	page, _ := s.ListArbitrations(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].Symbol != "paper:CHZ" {
		t.Fatalf("page = %+v", page)
	}

	cutoff := base.Add(90 * time.Second)
	old, err := s.ArbitrationsBefore(ctx, cutoff, 0)
	if err != nil {
		t.Fatalf("ArbitrationsBefore: %v", err)
	}
	if len(old) != 2 || old[0].Symbol != "paper:SOL" || !old[0].DecisionAt.Equal(base) {
		t.Fatalf("before = %+v", old)
	}
	n, err := s.DeleteArbitrationsBefore(ctx, cutoff)
	if err != nil || n != 2 {
		t.Fatalf("delete n=%d err=%v", n, err)
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	r := domain.ExecutionReceipt{
		ProposalID: "p1", LayerID: "momentum", ClientOrderID: "p1", VenueOrderID: "9",
		Venue: "paper", FromAsset: "CHZ", ToAsset: "USDT",
		QtyIn: decimal.RequireFromString("100"), QtyOut: decimal.RequireFromString("7.992"),
		Price: decimal.RequireFromString("0.08"), Fee: decimal.RequireFromString("0.008"),
		Status: domain.ExecutionFilled, ExecutedAt: time.Unix(1700000000, 0),
	}
	if err := s.RecordExecution(ctx, r); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	got, err := s.ListExecutions(ctx, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d receipts", len(got))
	}
	g := got[0]
	if !g.QtyOut.Equal(r.QtyOut) || g.Status != domain.ExecutionFilled || !g.ExecutedAt.Equal(r.ExecutedAt) {
		t.Fatalf("receipt = %+v", g)
	}
}
