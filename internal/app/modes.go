package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/convbot/internal/arbiter"
	"github.com/alanyoungcy/convbot/internal/audit"
	"github.com/alanyoungcy/convbot/internal/cache/redis"
	"github.com/alanyoungcy/convbot/internal/connector"
	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/executor"
	"github.com/alanyoungcy/convbot/internal/market"
	"github.com/alanyoungcy/convbot/internal/platform/binance"
	"github.com/alanyoungcy/convbot/internal/platform/paper"
	"github.com/alanyoungcy/convbot/internal/portfolio"
	"github.com/alanyoungcy/convbot/internal/ranker"
	"github.com/alanyoungcy/convbot/internal/server"
	"github.com/alanyoungcy/convbot/internal/server/handler"
	"github.com/alanyoungcy/convbot/internal/server/ws"
	"github.com/alanyoungcy/convbot/internal/signal"
	"github.com/alanyoungcy/convbot/internal/strategy"
)

// PaperMode runs the full pipeline against the in-memory paper venue.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runPipeline(ctx, deps, []domain.Connector{a.paperVenue()}, true)
}

// LiveMode runs the full pipeline against the enabled venues and executes
// winning proposals.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	conns, err := a.venues()
	if err != nil {
		return fmt.Errorf("live mode: %w", err)
	}
	return a.runPipeline(ctx, deps, conns, true)
}

// MonitorMode scans, ranks and arbitrates without executing anything.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	conns, err := a.venues()
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	return a.runPipeline(ctx, deps, conns, false)
}

func (a *App) venues() ([]domain.Connector, error) {
	var conns []domain.Connector
	for _, v := range a.cfg.Venues.Enabled {
		switch v {
		case paper.Venue:
			conns = append(conns, a.paperVenue())
		case binance.Venue:
			b := a.cfg.Venues.Binance
			conns = append(conns, binance.New(binance.Config{
				BaseURL:    b.BaseURL,
				APIKey:     b.APIKey,
				APISecret:  b.APISecret,
				QuoteAsset: b.QuoteAsset,
				Symbols:    b.Symbols,
				RecvWindow: b.RecvWindow,
			}))
		default:
			return nil, fmt.Errorf("unknown venue %q", v)
		}
	}
	if len(conns) == 0 {
		return nil, errors.New("no venues enabled")
	}
	return conns, nil
}

func (a *App) paperVenue() *paper.Connector {
	p := a.cfg.Venues.Paper
	var feed paper.Feed
	if p.PriceFeed == binance.Venue {
		// Public market data only; no credentials are sent.
		feed = binance.New(binance.Config{
			BaseURL:    a.cfg.Venues.Binance.BaseURL,
			QuoteAsset: p.QuoteAsset,
			Symbols:    a.cfg.Venues.Binance.Symbols,
		})
	}
	return paper.New(paper.Config{
		QuoteAsset:    p.QuoteAsset,
		FeeBps:        p.FeeBps,
		VolatilityPct: p.VolatilityPct,
		Balances:      p.Balances,
		CostBasis:     p.CostBasis,
		Prices:        p.Prices,
		Seed:          uint64(time.Now().UnixNano()),
	}, feed)
}

// runPipeline starts cache refresh, portfolio sync, strategy layers, the
// arbiter and, when execute is set, the executor. Execution and audit
// workers outlive the arbiter so its final cycle is still executed and
// recorded.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies, conns []domain.Connector, execute bool) error {
	cfg := a.cfg

	// --- Venues behind retry and circuit breaker ---
	wrapped := make([]*connector.Resilient, 0, len(conns))
	sources := make([]market.Source, 0, len(conns))
	balances := make([]portfolio.BalanceSource, 0, len(conns))
	execConns := make([]domain.Connector, 0, len(conns))
	quotes := make(map[string]string, len(conns))
	for _, c := range conns {
		r := connector.Wrap(c, connector.Options{
			CallTimeout:      cfg.Connector.CallTimeout.Duration,
			MaxRetries:       cfg.Connector.MaxRetries,
			BackoffBase:      cfg.Connector.BackoffBase.Duration,
			BackoffMax:       cfg.Connector.BackoffMax.Duration,
			BreakerThreshold: cfg.Connector.BreakerThreshold,
			BreakerCooldown:  cfg.Connector.BreakerCooldown.Duration,
		}, a.logger)
		wrapped = append(wrapped, r)
		sources = append(sources, r)
		balances = append(balances, r)
		execConns = append(execConns, r)
		quotes[r.Venue()] = r.QuoteAsset()
		deps.Health["breaker:"+r.Venue()] = breakerCheck(r.Breaker())
	}

	// --- Market cache and portfolio ---
	cache := market.NewCache(sources, market.Options{
		StalenessWindow: cfg.Engine.StalenessWindow.Duration,
		RefreshTimeout:  cfg.Engine.RefreshTimeout.Duration,
		BaselineWindow:  cfg.Engine.BaselineWindow,
		Mirror:          deps.SnapshotMirror,
	}, a.logger)
	folio := portfolio.New(balances, a.costBasisSeed(), cfg.Engine.RefreshTimeout.Duration, a.logger)

	if _, err := cache.Refresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial snapshot refresh incomplete", slog.String("error", err.Error()))
	}
	if err := folio.Refresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial balance sync incomplete", slog.String("error", err.Error()))
	}

	// --- Policy, rankers and layers ---
	policy, err := ranker.NewPolicy(cfg.Ranker.CheckpointAssets, cfg.Ranker.CheckpointThreshold, cfg.Ranker.SpeculativeThreshold)
	if err != nil {
		return err
	}
	registry, err := a.layers(cache, policy, quotes)
	if err != nil {
		return err
	}

	// --- Audit, execution and arbitration ---
	sink := audit.NewFanout(deps.AuditBackends, cfg.Engine.ProposalQueue*4, 5*time.Second, a.logger)

	var exec *executor.Executor
	var handoff arbiter.Handoff
	if execute {
		opts := executor.Options{
			QueueSize: cfg.Engine.ExecutionQueue,
			Timeout:   cfg.Engine.ExecuteTimeout.Duration,
			Sink:      sink,
			Notifier:  deps.Notifier,
			Ledger:    folio,
		}
		if cfg.Engine.DistributedLock && deps.LockManager != nil {
			opts.Lock = deps.LockManager
			opts.LockTTL = cfg.Engine.LockTTL.Duration
		}
		exec = executor.New(execConns, opts, a.logger)
		handoff = exec
	} else {
		a.logger.InfoContext(ctx, "execution disabled; winners are recorded only")
	}

	alerts := newAlertObserver(deps.Notifier, a.logger)
	observers := []arbiter.Observer{alerts}
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hub = ws.NewHub(deps.SignalBus, ws.Config{
			Mode:           cfg.Mode,
			StartedAt:      a.startedAt,
			BusChannel:     "decisions",
			AllowedOrigins: cfg.Server.CORSOrigins,
		}, a.logger)
		observers = append(observers, hub)
	}

	arb := arbiter.New(policy, arbiter.Options{
		CapacityHint: cfg.Engine.CellCapacity,
		QueueSize:    cfg.Engine.ProposalQueue,
		Sink:         sink,
		Handoff:      handoff,
		Observers:    observers,
	}, a.logger)
	engine := strategy.NewEngine(registry, folio, arb, a.logger)

	// --- Workers that must outlive the arbiter ---
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()
	var workers errgroup.Group
	workers.Go(func() error { return ignoreCanceled(sink.Run(workCtx)) })
	if exec != nil {
		workers.Go(func() error { return ignoreCanceled(exec.Run(workCtx)) })
	}

	// --- Scan, rank and arbitrate ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cache.Run(gctx, cfg.Engine.RefreshInterval.Duration) })
	g.Go(func() error { return folio.Run(gctx, cfg.Engine.BalanceInterval.Duration) })
	g.Go(func() error { return engine.RunAll(gctx) })
	g.Go(func() error { return arb.Run(gctx, cfg.Engine.CycleInterval.Duration) })
	g.Go(func() error { return alerts.Run(gctx) })

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(gctx, cfg.Engine.ArchiveRetention.Duration, cfg.Engine.ArchiveInterval.Duration)
		})
	}

	if cfg.Server.Enabled {
		g.Go(func() error { return hub.Run(gctx) })
		a.startHTTPServer(gctx, g, deps, cache, engine, arb, exec, folio, hub)
	}

	a.logger.InfoContext(ctx, "pipeline running",
		slog.Int("venues", len(wrapped)),
		slog.Any("layers", registry.List()),
		slog.Any("audit_backends", sink.Backends()),
		slog.Bool("execute", execute),
	)

	err = g.Wait()

	// The arbiter has closed its last cycle; let execution and audit drain.
	stopWork()
	if werr := workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (a *App) layers(cache ranker.Snapshots, policy ranker.Policy, quotes map[string]string) (*strategy.Registry, error) {
	cfg := a.cfg

	// The paper venue charges its own fee unless one is configured.
	venueFees := maps.Clone(cfg.Ranker.PerVenueFeeBps)
	if venueFees == nil {
		venueFees = map[string]float64{}
	}
	if _, ok := venueFees[paper.Venue]; !ok {
		venueFees[paper.Venue] = cfg.Venues.Paper.FeeBps
	}

	registry := strategy.NewRegistry()
	for _, l := range cfg.Layers {
		if !l.Enabled {
			continue
		}
		r, err := ranker.New(ranker.Config{
			Name:    l.ID,
			Weights: cfg.LayerWeights(l),
			Policy:  policy,
			Signal: signal.Params{
				MomentumSaturationPct: cfg.Signal.MomentumSaturationPct,
				ReversalDepthPct:      cfg.Signal.ReversalDepthPct,
				ReversalSaturationPct: cfg.Signal.ReversalSaturationPct,
				VolumeSpikeSaturation: cfg.Signal.VolumeSpikeSaturation,
				SpreadCeilingBps:      cfg.Signal.SpreadCeilingBps,
			},
			FeeBps:          cfg.Ranker.FeeBps,
			PerVenueFeeBps:  venueFees,
			SlippageBps:     cfg.Ranker.SlippageBps,
			ExpectedMoveBps: cfg.Ranker.ExpectedMoveBps,
			QuoteAssets:     quotes,
		}, cache, a.logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(strategy.Layer{
			ID:           l.ID,
			Cadence:      l.Cadence.Duration,
			MaxProposals: l.MaxProposals,
			Targets:      cfg.Ranker.Targets,
			Scorer:       r,
		}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// costBasisSeed converts the configured Binance cost basis into the
// portfolio ledger's venue:asset keys. The paper venue reports its own.
func (a *App) costBasisSeed() map[string]decimal.Decimal {
	seed := make(map[string]decimal.Decimal, len(a.cfg.Venues.Binance.CostBasis))
	for asset, v := range a.cfg.Venues.Binance.CostBasis {
		seed[domain.SnapshotKey(binance.Venue, asset)] = decimal.NewFromFloat(v)
	}
	return seed
}

// startHTTPServer adds the server and its graceful shutdown to g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	cache *market.Cache,
	engine *strategy.Engine,
	arb *arbiter.Arbiter,
	exec *executor.Executor,
	folio *portfolio.Portfolio,
	hub *ws.Hub,
) {
	var receipts handler.ReceiptSource
	if exec != nil {
		receipts = exec
	}
	var arbLog handler.ArbitrationLog
	var execLog handler.ExecutionLog
	if deps.AuditStore != nil {
		arbLog, execLog = deps.AuditStore, deps.AuditStore
	}

	snapshots := handler.NewSnapshotHandler(cache, a.logger)
	if deps.SnapshotMirror != nil {
		snapshots.WithMirror(deps.SnapshotMirror)
	}
	arbitrations := handler.NewArbitrationHandler(arb, arbLog, a.logger)
	if deps.SignalBus != nil {
		arbitrations.WithStream(deps.SignalBus, redis.StreamArbitrations)
	}

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(cache, deps.Health, a.logger),
		Status:        handler.NewStatusHandler(a.cfg.Mode, a.cfg.Venues.Enabled, a.startedAt),
		Snapshots:     snapshots,
		Opportunities: handler.NewOpportunityHandler(engine),
		Arbitrations:  arbitrations,
		Executions:    handler.NewExecutionHandler(receipts, execLog, folio, a.logger),
		Config:        handler.NewConfigHandler(a.cfg),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func breakerCheck(b *connector.Breaker) handler.HealthCheck {
	return func(context.Context) error {
		if b.State() == connector.BreakerOpen {
			return domain.ErrCircuitOpen
		}
		return nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
