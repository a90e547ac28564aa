package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CONVBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Layers listed in the file replace the default set instead of being
	// merged into it element by element.
	// The same holds for the paper seed tables.
	defaultLayers := cfg.Layers
	paper := cfg.Venues.Paper
	cfg.Layers = nil
	cfg.Venues.Paper.Balances, cfg.Venues.Paper.CostBasis, cfg.Venues.Paper.Prices = nil, nil, nil

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Layers) == 0 {
		cfg.Layers = defaultLayers
	}
	if !md.IsDefined("venues", "paper", "balances") {
		cfg.Venues.Paper.Balances = paper.Balances
	}
	if !md.IsDefined("venues", "paper", "cost_basis") {
		cfg.Venues.Paper.CostBasis = paper.CostBasis
	}
	if !md.IsDefined("venues", "paper", "prices") {
		cfg.Venues.Paper.Prices = paper.Prices
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CONVBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// are expected to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.RefreshInterval, "CONVBOT_ENGINE_REFRESH_INTERVAL")
	setDuration(&cfg.Engine.StalenessWindow, "CONVBOT_ENGINE_STALENESS_WINDOW")
	setDuration(&cfg.Engine.CycleInterval, "CONVBOT_ENGINE_CYCLE_INTERVAL")
	setDuration(&cfg.Engine.ExecuteTimeout, "CONVBOT_ENGINE_EXECUTE_TIMEOUT")
	setBool(&cfg.Engine.DistributedLock, "CONVBOT_ENGINE_DISTRIBUTED_LOCK")

	// ── Ranker ──
	setFloat64(&cfg.Ranker.CheckpointThreshold, "CONVBOT_RANKER_CHECKPOINT_THRESHOLD")
	setFloat64(&cfg.Ranker.SpeculativeThreshold, "CONVBOT_RANKER_SPECULATIVE_THRESHOLD")
	setFloat64(&cfg.Ranker.FeeBps, "CONVBOT_RANKER_FEE_BPS")
	setFloat64(&cfg.Ranker.SlippageBps, "CONVBOT_RANKER_SLIPPAGE_BPS")
	setStringSlice(&cfg.Ranker.CheckpointAssets, "CONVBOT_RANKER_CHECKPOINT_ASSETS")
	setStringSlice(&cfg.Ranker.Targets, "CONVBOT_RANKER_TARGETS")

	// ── Venues ──
	setStringSlice(&cfg.Venues.Enabled, "CONVBOT_VENUES_ENABLED")
	setStr(&cfg.Venues.Binance.BaseURL, "CONVBOT_BINANCE_BASE_URL")
	setStr(&cfg.Venues.Binance.APIKey, "CONVBOT_BINANCE_API_KEY")
	setStr(&cfg.Venues.Binance.APISecret, "CONVBOT_BINANCE_API_SECRET")
	setStringSlice(&cfg.Venues.Binance.Symbols, "CONVBOT_BINANCE_SYMBOLS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "CONVBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "CONVBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "CONVBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CONVBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CONVBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CONVBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CONVBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CONVBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "CONVBOT_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setBool(&cfg.SQLite.Enabled, "CONVBOT_SQLITE_ENABLED")
	setStr(&cfg.SQLite.Path, "CONVBOT_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CONVBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CONVBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CONVBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CONVBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "CONVBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CONVBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CONVBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CONVBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CONVBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CONVBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CONVBOT_S3_SECRET_KEY")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "CONVBOT_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "CONVBOT_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "CONVBOT_KAFKA_TOPIC")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CONVBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CONVBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "CONVBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CONVBOT_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "CONVBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CONVBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CONVBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CONVBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CONVBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "CONVBOT_MODE")
	setStr(&cfg.LogLevel, "CONVBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
