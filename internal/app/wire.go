package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/convbot/internal/audit"
	s3blob "github.com/alanyoungcy/convbot/internal/blob/s3"
	"github.com/alanyoungcy/convbot/internal/cache/redis"
	"github.com/alanyoungcy/convbot/internal/config"
	"github.com/alanyoungcy/convbot/internal/domain"
	"github.com/alanyoungcy/convbot/internal/notify"
	"github.com/alanyoungcy/convbot/internal/server/handler"
	"github.com/alanyoungcy/convbot/internal/store/postgres"
	"github.com/alanyoungcy/convbot/internal/store/sqlite"
	"github.com/alanyoungcy/convbot/internal/stream/kafka"
)

// Dependencies bundles the infrastructure the modes run on. Every field is
// optional and nil when its backend is disabled.
type Dependencies struct {
	// AuditStore is the queryable audit log: postgres when enabled, else
	// sqlite.
	AuditStore domain.AuditStore
	// AuditBackends are every audit destination, fed through audit.Fanout.
	AuditBackends []audit.Backend

	LockManager    domain.LockManager
	SignalBus      domain.SignalBus
	SnapshotMirror domain.SnapshotMirror
	RateLimiter    domain.RateLimiter

	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	Notifier *notify.Notifier

	// Health holds a probe per connected backend.
	Health map[string]handler.HealthCheck
}

// Wire connects every enabled backend and returns them together with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: map[string]handler.HealthCheck{}}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		store := postgres.NewAuditStore(pg.Pool())
		deps.AuditStore = store
		deps.AuditBackends = append(deps.AuditBackends, audit.Backend{Name: "postgres", Sink: store})
		deps.Health["postgres"] = pg.Health
	}

	// --- SQLite ---
	if cfg.SQLite.Enabled {
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		if deps.AuditStore == nil {
			deps.AuditStore = store
		}
		deps.AuditBackends = append(deps.AuditBackends, audit.Backend{Name: "sqlite", Sink: store})
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		bus := redis.NewSignalBus(rc, int64(cfg.Redis.StreamMaxLen))
		deps.SignalBus = bus
		deps.LockManager = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		if cfg.Engine.MirrorSnapshots {
			deps.SnapshotMirror = redis.NewSnapshotMirror(rc, cfg.Redis.SnapshotTTL.Duration)
		}
		deps.AuditBackends = append(deps.AuditBackends, audit.Backend{Name: "redis", Sink: redis.NewAuditStream(bus)})
		deps.Health["redis"] = rc.Ping
	}

	// --- Kafka ---
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(
			kafka.WithBrokers(cfg.Kafka.Brokers),
			kafka.WithTopic(cfg.Kafka.Topic),
			kafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
			kafka.WithBatch(cfg.Kafka.BatchSize, cfg.Kafka.BatchTimeout.Duration),
		)
		if err != nil {
			return fail(fmt.Errorf("wire: kafka: %w", err))
		}
		closers = append(closers, func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka: close producer", slog.String("error", err.Error()))
			}
		})
		deps.AuditBackends = append(deps.AuditBackends, audit.Backend{Name: "kafka", Sink: producer})
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		reader := s3blob.NewReader(client)
		deps.BlobReader = reader
		deps.Health["s3"] = client.Health
		if deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(client), reader, deps.AuditStore, 0, logger)
		} else {
			logger.WarnContext(ctx, "s3 enabled without an audit store; archiving disabled")
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
