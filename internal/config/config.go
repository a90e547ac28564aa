// Package config defines the top-level configuration for the conversion bot
// and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CONVBOT_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Signal    SignalConfig    `toml:"signal"`
	Ranker    RankerConfig    `toml:"ranker"`
	Layers    []LayerConfig   `toml:"layers" validate:"dive"`
	Venues    VenuesConfig    `toml:"venues"`
	Connector ConnectorConfig `toml:"connector"`
	Postgres  PostgresConfig  `toml:"postgres"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode" validate:"required"`
	LogLevel  string          `toml:"log_level" validate:"required"`
}

// EngineConfig controls scheduling of the cache, workers and arbiter.
type EngineConfig struct {
	RefreshInterval  duration `toml:"refresh_interval"`
	RefreshTimeout   duration `toml:"refresh_timeout"`
	StalenessWindow  duration `toml:"staleness_window"`
	CycleInterval    duration `toml:"cycle_interval"`
	ExecuteTimeout   duration `toml:"execute_timeout"`
	BalanceInterval  duration `toml:"balance_interval"`
	BaselineWindow   int      `toml:"baseline_window" validate:"gte=1"`
	ProposalQueue    int      `toml:"proposal_queue" validate:"gte=1"`
	CellCapacity     int      `toml:"cell_capacity" validate:"gte=1"`
	ExecutionQueue   int      `toml:"execution_queue" validate:"gte=1"`
	DistributedLock  bool     `toml:"distributed_lock"`
	LockTTL          duration `toml:"lock_ttl"`
	MirrorSnapshots  bool     `toml:"mirror_snapshots"`
	ArchiveRetention duration `toml:"archive_retention"`
	ArchiveInterval  duration `toml:"archive_interval"`
}

// SignalConfig holds the saturation knobs of each signal function.
type SignalConfig struct {
	MomentumSaturationPct float64 `toml:"momentum_saturation_pct" validate:"gt=0"`
	ReversalDepthPct      float64 `toml:"reversal_depth_pct" validate:"gte=0"`
	ReversalSaturationPct float64 `toml:"reversal_saturation_pct" validate:"gt=0"`
	VolumeSpikeSaturation float64 `toml:"volume_spike_saturation" validate:"gt=1"`
	SpreadCeilingBps      float64 `toml:"spread_ceiling_bps" validate:"gt=0"`
}

// RankerConfig holds the scoring weights, threshold pair and fee model.
type RankerConfig struct {
	Weights              domain.SignalWeights `toml:"weights"`
	CheckpointThreshold  float64              `toml:"checkpoint_threshold" validate:"gte=0,lte=1"`
	SpeculativeThreshold float64              `toml:"speculative_threshold" validate:"gte=0,lte=1"`
	CheckpointAssets     []string             `toml:"checkpoint_assets" validate:"min=1"`
	Targets              []string             `toml:"targets" validate:"min=1"`
	FeeBps               float64              `toml:"fee_bps" validate:"gte=0"`
	SlippageBps          float64              `toml:"slippage_bps" validate:"gte=0"`
	ExpectedMoveBps      float64              `toml:"expected_move_bps" validate:"gt=0"`
	PerVenueFeeBps       map[string]float64   `toml:"per_venue_fee_bps"`
}

// LayerConfig describes one competing strategy layer.
type LayerConfig struct {
	ID           string                `toml:"id" validate:"required"`
	Enabled      bool                  `toml:"enabled"`
	Cadence      duration              `toml:"cadence"`
	MaxProposals int                   `toml:"max_proposals" validate:"gte=0"`
	Weights      *domain.SignalWeights `toml:"weights"`
}

// VenuesConfig selects the exchange connectors.
type VenuesConfig struct {
	Enabled []string      `toml:"enabled" validate:"min=1"`
	Binance BinanceConfig `toml:"binance"`
	Paper   PaperConfig   `toml:"paper"`
}

// BinanceConfig holds Binance REST credentials.
type BinanceConfig struct {
	BaseURL    string   `toml:"base_url" validate:"omitempty,url"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	QuoteAsset string   `toml:"quote_asset"`
	Symbols    []string `toml:"symbols"`
	RecvWindow int      `toml:"recv_window"`
	// CostBasis seeds the portfolio ledger, asset -> total acquisition cost
	// in the quote asset. Binance does not report it.
	CostBasis map[string]float64 `toml:"cost_basis"`
}

// PaperConfig seeds the in-memory paper venue.
type PaperConfig struct {
	QuoteAsset string             `toml:"quote_asset"`
	FeeBps     float64            `toml:"fee_bps" validate:"gte=0"`
	Balances   map[string]float64 `toml:"balances"`
	CostBasis  map[string]float64 `toml:"cost_basis"`
	Prices     map[string]float64 `toml:"prices"`
	// VolatilityPct is the per-refresh random walk step for seeded prices.
	VolatilityPct float64 `toml:"volatility_pct" validate:"gte=0"`
	// PriceFeed "binance" prices the paper venue from public Binance tickers.
	PriceFeed string `toml:"price_feed" validate:"omitempty,oneof=binance"`
}

// ConnectorConfig tunes the resilient connector wrapper.
type ConnectorConfig struct {
	CallTimeout      duration `toml:"call_timeout"`
	MaxRetries       int      `toml:"max_retries" validate:"gte=0"`
	BackoffBase      duration `toml:"backoff_base"`
	BackoffMax       duration `toml:"backoff_max"`
	BreakerThreshold int      `toml:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local audit database path.
type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int      `toml:"stream_max_len"`
	SnapshotTTL  duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig holds the audit stream producer settings.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout duration `toml:"batch_timeout"`
	RequiredAcks int      `toml:"required_acks"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Dur builds a config duration; used by callers constructing Config in code.
func Dur(d time.Duration) duration { return duration{d} }

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit caps requests per client IP per RateWindow. It needs redis.
	RateLimit  int      `toml:"rate_limit" validate:"gte=0"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// DefaultWeights are the documented default signal weights. They sum to 1.
var DefaultWeights = domain.SignalWeights{
	Momentum:    0.30,
	Reversal:    0.20,
	VolumeSpike: 0.20,
	Spread:      0.30,
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			RefreshInterval:  duration{15 * time.Second},
			RefreshTimeout:   duration{5 * time.Second},
			StalenessWindow:  duration{60 * time.Second},
			CycleInterval:    duration{2 * time.Second},
			ExecuteTimeout:   duration{10 * time.Second},
			BalanceInterval:  duration{30 * time.Second},
			BaselineWindow:   20,
			ProposalQueue:    256,
			CellCapacity:     64,
			ExecutionQueue:   32,
			LockTTL:          duration{30 * time.Second},
			ArchiveRetention: duration{30 * 24 * time.Hour},
			ArchiveInterval:  duration{24 * time.Hour},
		},
		Signal: SignalConfig{
			MomentumSaturationPct: 10,
			ReversalDepthPct:      3,
			ReversalSaturationPct: 15,
			VolumeSpikeSaturation: 3,
			SpreadCeilingBps:      100,
		},
		Ranker: RankerConfig{
			Weights:              DefaultWeights,
			CheckpointThreshold:  0.35,
			SpeculativeThreshold: 0.55,
			CheckpointAssets:     []string{"USD", "USDT", "USDC"},
			Targets:              []string{"USDT", "BTC", "ETH"},
			FeeBps:               10,
			SlippageBps:          5,
			ExpectedMoveBps:      300,
			PerVenueFeeBps:       map[string]float64{},
		},
		Layers: []LayerConfig{
			{ID: "momentum", Enabled: true, Cadence: duration{5 * time.Second}, MaxProposals: 5,
				Weights: &domain.SignalWeights{Momentum: 0.55, Reversal: 0.05, VolumeSpike: 0.20, Spread: 0.20}},
			{ID: "reversal", Enabled: true, Cadence: duration{7 * time.Second}, MaxProposals: 5,
				Weights: &domain.SignalWeights{Momentum: 0.05, Reversal: 0.55, VolumeSpike: 0.20, Spread: 0.20}},
			{ID: "balanced", Enabled: true, Cadence: duration{10 * time.Second}, MaxProposals: 5},
		},
		Venues: VenuesConfig{
			Enabled: []string{"paper"},
			Binance: BinanceConfig{
				BaseURL:    "https://api.binance.com",
				QuoteAsset: "USDT",
				RecvWindow: 5000,
			},
			Paper: PaperConfig{
				QuoteAsset:    "USDT",
				FeeBps:        10,
				Balances:      map[string]float64{"USDT": 1000, "BTC": 0.01, "ETH": 0.2, "SOL": 5, "CHZ": 2000},
				CostBasis:     map[string]float64{"USDT": 1000, "BTC": 550, "ETH": 560, "SOL": 700, "CHZ": 170},
				Prices:        map[string]float64{"BTC": 60000, "ETH": 3000, "SOL": 150, "CHZ": 0.08},
				VolatilityPct: 0.5,
			},
		},
		Connector: ConnectorConfig{
			CallTimeout:      duration{5 * time.Second},
			MaxRetries:       3,
			BackoffBase:      duration{200 * time.Millisecond},
			BackoffMax:       duration{5 * time.Second},
			BreakerThreshold: 5,
			BreakerCooldown:  duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Enabled: true,
			Path:    "convbot.db",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			SnapshotTTL:  duration{2 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "convbot-audit",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Topic:        "convbot.audit",
			BatchSize:    100,
			BatchTimeout: duration{time.Second},
			RequiredAcks: 1,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"execution_filled", "execution_failed", "cost_basis_violation", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":   true,
	"live":    true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.RefreshInterval.Duration <= 0 {
		errs = append(errs, "engine: refresh_interval must be > 0")
	}
	if c.Engine.StalenessWindow.Duration <= 0 {
		errs = append(errs, "engine: staleness_window must be > 0")
	}
	if c.Engine.StalenessWindow.Duration < c.Engine.RefreshInterval.Duration {
		errs = append(errs, "engine: staleness_window must be >= refresh_interval")
	}
	if c.Engine.CycleInterval.Duration <= 0 {
		errs = append(errs, "engine: cycle_interval must be > 0")
	}

	// Signal
	if c.Signal.ReversalSaturationPct <= c.Signal.ReversalDepthPct {
		errs = append(errs, "signal: reversal_saturation_pct must exceed reversal_depth_pct")
	}

	// Ranker
	if err := checkWeights("ranker.weights", c.Ranker.Weights); err != "" {
		errs = append(errs, err)
	}
	if c.Ranker.CheckpointThreshold >= c.Ranker.SpeculativeThreshold {
		errs = append(errs, "ranker: checkpoint_threshold must be lower than speculative_threshold")
	}

	// Layers
	seen := make(map[string]bool, len(c.Layers))
	enabled := 0
	for i, l := range c.Layers {
		if seen[l.ID] {
			errs = append(errs, fmt.Sprintf("layers[%d]: duplicate id %q", i, l.ID))
		}
		seen[l.ID] = true
		if !l.Enabled {
			continue
		}
		enabled++
		if l.Cadence.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("layers[%d] %s: cadence must be > 0", i, l.ID))
		}
		if l.Weights != nil {
			if err := checkWeights(fmt.Sprintf("layers[%d] %s weights", i, l.ID), *l.Weights); err != "" {
				errs = append(errs, err)
			}
		}
	}
	if enabled == 0 {
		errs = append(errs, "layers: at least one layer must be enabled")
	}

	// Venues
	for _, v := range c.Venues.Enabled {
		switch v {
		case "paper":
		case "binance":
			if c.Mode == "live" && (c.Venues.Binance.APIKey == "" || c.Venues.Binance.APISecret == "") {
				errs = append(errs, "venues.binance: api_key and api_secret are required in live mode")
			}
		default:
			errs = append(errs, fmt.Sprintf("venues: unknown venue %q (valid: paper, binance)", v))
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.SQLite.Enabled && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty when enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}
	if c.Engine.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "engine: distributed_lock requires redis.enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkWeights(name string, w domain.SignalWeights) string {
	if w.Momentum < 0 || w.Reversal < 0 || w.VolumeSpike < 0 || w.Spread < 0 {
		return name + ": weights must be non-negative"
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Sprintf("%s: weights must sum to 1.0, got %.6f", name, w.Sum())
	}
	return ""
}

// LayerWeights returns the layer's own weights or the ranker defaults.
func (c *Config) LayerWeights(l LayerConfig) domain.SignalWeights {
	if l.Weights != nil {
		return *l.Weights
	}
	return c.Ranker.Weights
}

// FeeBpsFor returns the per-side fee for a venue.
func (c *Config) FeeBpsFor(venue string) float64 {
	if v, ok := c.Ranker.PerVenueFeeBps[venue]; ok {
		return v
	}
	return c.Ranker.FeeBps
}
