// Package market owns the snapshot cache: a periodically refreshed,
// point-in-time view of prices, volume, 24h change and quotes per venue and
// symbol.
package market

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/metrics"
)

// Source is the part of an exchange connector the cache reads from.
type Source interface {
	Venue() string
	QuoteAsset() string
	GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error)
}

// Options configures a Cache.
type Options struct {
	StalenessWindow time.Duration
	RefreshTimeout  time.Duration
	BaselineWindow  int
	Mirror          domain.SnapshotMirror
	Now             func() time.Time
}

// snapshotSet is an immutable generation of the cache.
type snapshotSet struct {
	byKey       map[string]domain.MarketSnapshot
	keys        []string // sorted venue:symbol
	refreshedAt time.Time
}

// Cache holds the latest complete snapshot set. Readers load the current set
// with a single atomic pointer read and never see a partially built one.
type Cache struct {
	sources  []Source
	opts     Options
	baseline *BaselineTracker
	logger   *slog.Logger

	current  atomic.Pointer[snapshotSet]
	degraded atomic.Bool

	refreshMu sync.Mutex
}

// NewCache creates an empty cache over the given sources.
func NewCache(sources []Source, opts Options, logger *slog.Logger) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		sources:  sources,
		opts:     opts,
		baseline: NewBaselineTracker(opts.BaselineWindow),
		logger:   logger.With(slog.String("component", "market_cache")),
	}
	c.current.Store(&snapshotSet{byKey: map[string]domain.MarketSnapshot{}})
	return c
}

// Refresh fetches every source and swaps in a new snapshot set. It returns
// the number of symbols updated from fresh upstream data.
//
// A venue whose fetch fails, times out or returns nothing keeps its previous
// snapshots; the cache is then marked degraded and the failure is returned
// wrapped in domain.ErrConnectorFailure. Such an error is recoverable: the
// cache remains readable.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	prev := c.current.Load()
	next := &snapshotSet{
		byKey:       make(map[string]domain.MarketSnapshot, len(prev.byKey)),
		refreshedAt: c.opts.Now(),
	}

	updated := 0
	var errs []error
	for _, src := range c.sources {
		venue := src.Venue()
		snaps, err := c.fetch(ctx, src)
		if err == nil && len(snaps) == 0 {
			err = errors.New("empty snapshot set")
		}
		if err != nil {
			metrics.RefreshTotal.WithLabelValues(venue, "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", venue, err))
			kept := 0
			for k, s := range prev.byKey {
				if s.Venue == venue {
					next.byKey[k] = s
					kept++
				}
			}
			c.logger.WarnContext(ctx, "refresh failed, retaining previous snapshots",
				slog.String("venue", venue),
				slog.Int("retained", kept),
				slog.String("error", err.Error()),
			)
			continue
		}

		metrics.RefreshTotal.WithLabelValues(venue, "ok").Inc()
		for _, s := range c.normalize(src, snaps) {
			next.byKey[s.Key()] = s
			updated++
		}
		metrics.SnapshotsCached.WithLabelValues(venue).Set(float64(len(snaps)))
	}

	next.keys = make([]string, 0, len(next.byKey))
	for k := range next.byKey {
		next.keys = append(next.keys, k)
	}
	slices.Sort(next.keys)
	c.current.Store(next)

	if len(errs) > 0 {
		c.degraded.Store(true)
		metrics.CacheDegraded.Set(1)
		return updated, fmt.Errorf("market: refresh: %w: %w", domain.ErrConnectorFailure, errors.Join(errs...))
	}
	c.degraded.Store(false)
	metrics.CacheDegraded.Set(0)

	if c.opts.Mirror != nil {
		if err := c.opts.Mirror.Mirror(ctx, slices.Collect(c.All())); err != nil {
			c.logger.WarnContext(ctx, "snapshot mirror failed", slog.String("error", err.Error()))
		}
	}
	return updated, nil
}

func (c *Cache) fetch(ctx context.Context, src Source) ([]domain.MarketSnapshot, error) {
	if c.opts.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RefreshTimeout)
		defer cancel()
	}
	return src.GetSnapshots(ctx)
}

// normalize stamps venue, capture time and volume baseline onto fresh
// snapshots and adds the venue's quote asset at par.
func (c *Cache) normalize(src Source, snaps []domain.MarketSnapshot) []domain.MarketSnapshot {
	venue := src.Venue()
	quote := src.QuoteAsset()

	out := make([]domain.MarketSnapshot, 0, len(snaps)+1)
	var latest time.Time
	for _, s := range snaps {
		s.Venue = venue
		if s.CapturedAt.IsZero() {
			s.CapturedAt = c.opts.Now()
		}
		if s.CapturedAt.After(latest) {
			latest = s.CapturedAt
		}
		s.VolumeBaseline = c.baseline.Observe(s.Key(), s.Volume24h)
		out = append(out, s)
	}

	if quote != "" {
		out = append(out, domain.MarketSnapshot{
			Venue:      venue,
			Symbol:     quote,
			LastPrice:  1,
			Bid:        1,
			Ask:        1,
			CapturedAt: latest,
		})
	}
	return out
}

// Get returns the snapshot for venue and symbol, or domain.ErrNotFound.
func (c *Cache) Get(venue, symbol string) (domain.MarketSnapshot, error) {
	s, ok := c.current.Load().byKey[domain.SnapshotKey(venue, symbol)]
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("market: %s/%s: %w", venue, symbol, domain.ErrNotFound)
	}
	return s, nil
}

// Fresh is Get that additionally rejects snapshots older than the staleness
// window with domain.ErrStaleData.
func (c *Cache) Fresh(venue, symbol string, now time.Time) (domain.MarketSnapshot, error) {
	s, err := c.Get(venue, symbol)
	if err != nil {
		return s, err
	}
	if c.IsStale(s, now) {
		return s, fmt.Errorf("market: %s/%s captured %s ago: %w",
			venue, symbol, s.Age(now).Round(time.Millisecond), domain.ErrStaleData)
	}
	return s, nil
}

// All returns the current generation as a finite sequence ordered by venue and
// symbol. Each call to the returned sequence restarts from the same
// generation, regardless of refreshes in between.
func (c *Cache) All() iter.Seq[domain.MarketSnapshot] {
	set := c.current.Load()
	return func(yield func(domain.MarketSnapshot) bool) {
		for _, k := range set.keys {
			if !yield(set.byKey[k]) {
				return
			}
		}
	}
}

// Venue returns the snapshots of one venue sorted by symbol.
func (c *Cache) Venue(venue string) []domain.MarketSnapshot {
	var out []domain.MarketSnapshot
	for s := range c.All() {
		if s.Venue == venue {
			out = append(out, s)
		}
	}
	return out
}

// IsStale reports whether snap is older than the staleness window at now.
func (c *Cache) IsStale(snap domain.MarketSnapshot, now time.Time) bool {
	if c.opts.StalenessWindow <= 0 {
		return false
	}
	return snap.Age(now) > c.opts.StalenessWindow
}

// Degraded reports whether the last refresh failed for any venue.
func (c *Cache) Degraded() bool { return c.degraded.Load() }

// LastRefresh returns when the current generation was built.
func (c *Cache) LastRefresh() time.Time { return c.current.Load().refreshedAt }

// Len returns the number of snapshots in the current generation.
func (c *Cache) Len() int { return len(c.current.Load().keys) }

// Run refreshes the cache every interval until ctx is cancelled. Refresh
// failures are logged and never stop the loop.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	c.logger.InfoContext(ctx, "snapshot refresher started", slog.Duration("interval", interval))

	refresh := func() {
		n, err := c.Refresh(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "snapshot refresh degraded",
				slog.Int("updated", n),
				slog.String("error", err.Error()),
			)
			return
		}
		c.logger.DebugContext(ctx, "snapshots refreshed", slog.Int("updated", n))
	}
	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "snapshot refresher stopped")
			return ctx.Err()
		case <-ticker.C:
			refresh()
		}
	}
}
