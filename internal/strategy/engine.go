package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
	"github.com/alanyoungcy/convbot/internal/ranker"
)

// Engine runs every registered layer on its own cadence. Each pass reads the
// current holdings, ranks the layer's candidates and submits the best ones to
// the arbiter. A failing pass is logged and costs the layer only that pass.
type Engine struct {
	registry *Registry
	holdings Holdings
	proposer Proposer
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	latest map[string][]domain.ScoredOpportunity
	info   map[string]*LayerInfo
}

// NewEngine creates an Engine over the layers in registry.
func NewEngine(registry *Registry, holdings Holdings, proposer Proposer, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		holdings: holdings,
		proposer: proposer,
		logger:   logger.With(slog.String("component", "strategy_engine")),
		now:      time.Now,
		latest:   make(map[string][]domain.ScoredOpportunity),
		info:     make(map[string]*LayerInfo),
	}
}

// RunAll starts one goroutine per registered layer and blocks until the
// context is cancelled.
func (e *Engine) RunAll(ctx context.Context) error {
	ids := e.registry.List()
	if len(ids) == 0 {
		e.logger.Info("RunAll: no layers registered, blocking until context done")
		<-ctx.Done()
		return ctx.Err()
	}

	e.logger.Info("strategy engine RunAll started", slog.Any("layers", ids))
	defer e.logger.Info("strategy engine RunAll stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		layer, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return e.runLayer(gctx, layer)
		})
	}
	return g.Wait()
}

func (e *Engine) runLayer(ctx context.Context, layer Layer) error {
	e.setStatus(layer, "running")
	defer e.setStatus(layer, "stopped")

	ticker := time.NewTicker(layer.Cadence)
	defer ticker.Stop()
	for {
		if _, err := e.Pass(ctx, layer); err != nil {
			e.logger.Warn("layer pass failed",
				slog.String("layer", layer.ID),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass runs one scan-score-rank-propose pass for layer and returns how many
// proposals were accepted into the arbiter's queue. A panic inside the pass
// is recovered and returned as an error.
func (e *Engine) Pass(ctx context.Context, layer Layer) (submitted int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy: layer %s panicked: %v", layer.ID, r)
			e.logger.Error("layer pass panicked",
				slog.String("layer", layer.ID),
				slog.String("stack", string(debug.Stack())),
			)
		}
		e.finishPass(layer, submitted, err)
	}()

	held := e.holdings.Holdings()
	candidates := ranker.Candidates(held, layer.Targets)
	ranked := layer.Scorer.Rank(candidates, held)

	e.mu.Lock()
	e.latest[layer.ID] = ranked
	e.mu.Unlock()

	// One proposal per symbol: the layer's best conversion of each position.
	seen := make(map[string]bool, len(ranked))
	now := e.now()
	for _, opp := range ranked {
		if layer.MaxProposals > 0 && submitted >= layer.MaxProposals {
			break
		}
		if seen[opp.Symbol()] {
			continue
		}
		seen[opp.Symbol()] = true

		p := domain.StrategyProposal{
			ID:          uuid.NewString(),
			LayerID:     layer.ID,
			Opportunity: opp,
			DetectedAt:  now,
		}
		if err := e.proposer.Submit(ctx, p); err != nil {
			e.dropped(layer)
			e.logger.Warn("proposal not submitted",
				slog.String("layer", layer.ID),
				slog.String("symbol", opp.Symbol()),
				slog.String("error", err.Error()),
			)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (e *Engine) setStatus(layer Layer, status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infoLocked(layer).Status = status
}

func (e *Engine) infoLocked(layer Layer) *LayerInfo {
	li, ok := e.info[layer.ID]
	if !ok {
		li = &LayerInfo{ID: layer.ID, Status: "pending", Cadence: layer.Cadence.String()}
		e.info[layer.ID] = li
	}
	return li
}

func (e *Engine) dropped(layer Layer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.infoLocked(layer).Dropped++
}

func (e *Engine) finishPass(layer Layer, submitted int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	li := e.infoLocked(layer)
	now := e.now()
	li.Passes++
	li.Proposed += int64(submitted)
	li.LastPass = &now
	li.LastAccepted = len(e.latest[layer.ID])
	if err != nil {
		li.ErrorCount++
		li.LastError = err.Error()
		metrics.WorkerErrors.WithLabelValues(layer.ID).Inc()
	}
}

// Latest returns the layer's most recently ranked opportunities, best first.
func (e *Engine) Latest(layerID string) []domain.ScoredOpportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.latest[layerID])
}

// Info returns runtime info for every registered layer, sorted by id.
func (e *Engine) Info() []LayerInfo {
	ids := e.registry.List()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LayerInfo, 0, len(ids))
	for _, id := range ids {
		if li, ok := e.info[id]; ok {
			out = append(out, *li)
			continue
		}
		out = append(out, LayerInfo{ID: id, Status: "pending"})
	}
	return out
}
