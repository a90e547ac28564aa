package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// SnapshotMirror implements domain.SnapshotMirror. Each snapshot is stored
// as JSON at "snap:{venue}:{symbol}" and expires after ttl, so a mirror left
// behind by a stopped instance ages out on its own.
type SnapshotMirror struct {
	c   *Client
	ttl time.Duration
}

var _ domain.SnapshotMirror = (*SnapshotMirror)(nil)

// NewSnapshotMirror creates a SnapshotMirror.
func NewSnapshotMirror(c *Client, ttl time.Duration) *SnapshotMirror {
	return &SnapshotMirror{c: c, ttl: ttl}
}

func (m *SnapshotMirror) key(venue, symbol string) string {
	return m.c.Key("snap:" + domain.SnapshotKey(venue, symbol))
}

// Mirror writes every snapshot in one pipeline.
func (m *SnapshotMirror) Mirror(ctx context.Context, snaps []domain.MarketSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pipe := m.c.rdb.Pipeline()
	for _, s := range snaps {
		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("redis: marshal snapshot %s: %w", s.Key(), err)
		}
		pipe.Set(ctx, m.key(s.Venue, s.Symbol), payload, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: mirror %d snapshots: %w", len(snaps), err)
	}
	return nil
}

// Load reads one mirrored snapshot. It returns domain.ErrNotFound when the
// key is absent or expired.
func (m *SnapshotMirror) Load(ctx context.Context, venue, symbol string) (domain.MarketSnapshot, error) {
	raw, err := m.c.rdb.Get(ctx, m.key(venue, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: load snapshot %s: %w", domain.SnapshotKey(venue, symbol), err)
	}
	var s domain.MarketSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: decode snapshot: %w", err)
	}
	return s, nil
}
