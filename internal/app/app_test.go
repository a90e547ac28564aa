package app

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/alanyoungcy/convbot/internal/config"
	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/platform/binance"
	"github.com/alanyoungcy/convbot/internal/platform/paper"
	"github.com/alanyoungcy/convbot/internal/ranker"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestVenues(t *testing.T) {
	tests := []struct {
		name    string
		enabled []string
		want    []string
		wantErr bool
	}{
		{name: "paper", enabled: []string{"paper"}, want: []string{paper.Venue}},
		{name: "both", enabled: []string{"binance", "paper"}, want: []string{binance.Venue, paper.Venue}},
		{name: "unknown", enabled: []string{"kraken"}, wantErr: true},
		{name: "none", enabled: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Venues.Enabled = tt.enabled
			conns, err := New(&cfg, discard()).venues()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("venues: %v", err)
			}
			var got []string
			for _, c := range conns {
				got = append(got, c.Venue())
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("venues = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLayersFromDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Layers[2].Enabled = false
	a := New(&cfg, discard())

	policy, err := ranker.NewPolicy(cfg.Ranker.CheckpointAssets, cfg.Ranker.CheckpointThreshold, cfg.Ranker.SpeculativeThreshold)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := a.layers(nil, policy, map[string]string{paper.Venue: "USDT"})
	if err != nil {
		t.Fatalf("layers: %v", err)
	}
	if got := reg.List(); !slices.Equal(got, []string{"momentum", "reversal"}) {
		t.Fatalf("layers = %v", got)
	}
	l, err := reg.Get("momentum")
	if err != nil {
		t.Fatal(err)
	}
	if l.Cadence != 5*time.Second || !slices.Equal(l.Targets, cfg.Ranker.Targets) {
		t.Errorf("momentum layer = %+v", l)
	}
}

func TestLayersRejectsBadWeights(t *testing.T) {
	cfg := config.Defaults()
	cfg.Layers[0].Weights = &domain.SignalWeights{Momentum: 0.9, Spread: 0.3}
	a := New(&cfg, discard())
	policy, _ := ranker.NewPolicy(cfg.Ranker.CheckpointAssets, 0.35, 0.55)
	if _, err := a.layers(nil, policy, nil); err == nil {
		t.Fatal("expected weight sum error")
	}
}

func TestCostBasisSeedKeysByVenue(t *testing.T) {
	cfg := config.Defaults()
	cfg.Venues.Binance.CostBasis = map[string]float64{"CHZ": 5}
	seed := New(&cfg, discard()).costBasisSeed()
	v, ok := seed["binance:CHZ"]
	if !ok || v.InexactFloat64() != 5 {
		t.Fatalf("seed = %v", seed)
	}
}

type countingNotifier struct{ got chan domain.ScoredOpportunity }

func (c *countingNotifier) CostBasisViolation(_ context.Context, opp domain.ScoredOpportunity) error {
	c.got <- opp
	return nil
}

func TestAlertObserverForwardsCostBasisRejections(t *testing.T) {
	n := &countingNotifier{got: make(chan domain.ScoredOpportunity, 2)}
	o := newAlertObserver(n, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	opp := domain.ScoredOpportunity{Candidate: domain.CandidateConversion{Venue: "paper", FromAsset: "CHZ", ToAsset: "BTC"}}
	o.OnDecision(domain.Decision{Outcome: domain.OutcomeRejected, Reason: domain.RejectAlreadyLocked})
	o.OnDecision(domain.Decision{
		Outcome:  domain.OutcomeRejected,
		Reason:   domain.RejectCostBasisViolation,
		Proposal: domain.StrategyProposal{Opportunity: opp},
	})

	select {
	case got := <-n.got:
		if got.Candidate != opp.Candidate {
			t.Fatalf("alert for %v", got.Candidate)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert sent")
	}
	select {
	case got := <-n.got:
		t.Fatalf("unexpected second alert %v", got.Candidate)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
