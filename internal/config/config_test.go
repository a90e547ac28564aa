package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/convbot/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := DefaultWeights.Sum(); got < 0.999999 || got > 1.000001 {
		t.Fatalf("default weights sum to %f, want 1.0", got)
	}
	if cfg.Ranker.CheckpointThreshold != 0.35 || cfg.Ranker.SpeculativeThreshold != 0.55 {
		t.Fatalf("unexpected default thresholds %v/%v", cfg.Ranker.CheckpointThreshold, cfg.Ranker.SpeculativeThreshold)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad mode", func(c *Config) { c.Mode = "yolo" }, "unknown mode"},
		{"weights sum", func(c *Config) { c.Ranker.Weights.Spread = 0.9 }, "sum to 1.0"},
		{"threshold order", func(c *Config) { c.Ranker.CheckpointThreshold = 0.6 }, "lower than speculative"},
		{"layer weights", func(c *Config) {
			c.Layers[0].Weights = &domain.SignalWeights{Momentum: 2}
		}, "layers[0] momentum weights"},
		{"duplicate layer", func(c *Config) { c.Layers[1].ID = c.Layers[0].ID }, "duplicate id"},
		{"no layers", func(c *Config) {
			for i := range c.Layers {
				c.Layers[i].Enabled = false
			}
		}, "at least one layer"},
		{"staleness", func(c *Config) { c.Engine.StalenessWindow = Dur(time.Second) }, "staleness_window must be >="},
		{"unknown venue", func(c *Config) { c.Venues.Enabled = []string{"mtgox"} }, "unknown venue"},
		{"live creds", func(c *Config) {
			c.Mode = "live"
			c.Venues.Enabled = []string{"binance"}
		}, "api_key and api_secret"},
		{"lock without redis", func(c *Config) { c.Engine.DistributedLock = true }, "requires redis"},
		{"kafka brokers", func(c *Config) { c.Kafka.Enabled = true }, "brokers"},
		{"struct tag", func(c *Config) { c.Engine.ProposalQueue = 0 }, "ProposalQueue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadAppliesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "monitor"

[engine]
staleness_window = "90s"

[ranker]
checkpoint_threshold = 0.3
targets = ["USDT", "SOL"]

[[layers]]
id = "solo"
enabled = true
cadence = "3s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONVBOT_LOG_LEVEL", "debug")
	t.Setenv("CONVBOT_BINANCE_API_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "monitor" || cfg.LogLevel != "debug" {
		t.Errorf("mode/log level = %s/%s", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Engine.StalenessWindow.Duration != 90*time.Second {
		t.Errorf("staleness = %v", cfg.Engine.StalenessWindow.Duration)
	}
	if cfg.Ranker.CheckpointThreshold != 0.3 || cfg.Ranker.SpeculativeThreshold != 0.55 {
		t.Errorf("thresholds = %v/%v", cfg.Ranker.CheckpointThreshold, cfg.Ranker.SpeculativeThreshold)
	}
	if len(cfg.Layers) != 1 || cfg.Layers[0].ID != "solo" {
		t.Errorf("layers = %+v", cfg.Layers)
	}
	if cfg.Venues.Binance.APISecret != "s3cret" {
		t.Errorf("env override not applied")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Venues.Binance.APISecret = "secret"
	cfg.Postgres.Password = "pw"

	out := RedactedConfig(&cfg)
	if out.Venues.Binance.APISecret != redacted || out.Postgres.Password != redacted {
		t.Fatalf("secrets not redacted: %+v", out.Venues.Binance)
	}
	if cfg.Venues.Binance.APISecret != "secret" {
		t.Fatalf("original mutated")
	}
	out.Ranker.Targets[0] = "XXX"
	if cfg.Ranker.Targets[0] == "XXX" {
		t.Fatalf("redacted copy shares slice with original")
	}
	if out.Notify.TelegramToken != "" {
		t.Errorf("empty secret should stay empty")
	}
}

func TestLayerWeightsAndFees(t *testing.T) {
	cfg := Defaults()
	cfg.Ranker.PerVenueFeeBps = map[string]float64{"binance": 7.5}

	if got := cfg.FeeBpsFor("binance"); got != 7.5 {
		t.Errorf("binance fee = %v", got)
	}
	if got := cfg.FeeBpsFor("paper"); got != cfg.Ranker.FeeBps {
		t.Errorf("paper fee = %v", got)
	}
	balanced := cfg.Layers[2]
	if cfg.LayerWeights(balanced) != cfg.Ranker.Weights {
		t.Errorf("layer without weights should inherit ranker weights")
	}
}

func TestLoadReplacesPaperTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[venues.paper.balances]
DOGE = 500.0
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Venues.Paper.Balances) != 1 || cfg.Venues.Paper.Balances["DOGE"] != 500 {
		t.Errorf("balances = %v, want only DOGE", cfg.Venues.Paper.Balances)
	}
	if cfg.Venues.Paper.Prices["BTC"] != 60000 {
		t.Errorf("default prices lost: %v", cfg.Venues.Paper.Prices)
	}
}
