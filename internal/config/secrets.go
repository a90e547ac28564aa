package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// placeholder "***". Use it whenever the active configuration is logged or
// served.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Venues.Binance.APIKey)
	redact(&out.Venues.Binance.APISecret)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy reference fields so callers cannot mutate the original through the
	// redacted copy.
	out.Layers = append([]LayerConfig(nil), cfg.Layers...)
	out.Ranker.CheckpointAssets = append([]string(nil), cfg.Ranker.CheckpointAssets...)
	out.Ranker.Targets = append([]string(nil), cfg.Ranker.Targets...)
	out.Venues.Enabled = append([]string(nil), cfg.Venues.Enabled...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Ranker.PerVenueFeeBps = maps.Clone(cfg.Ranker.PerVenueFeeBps)
	out.Venues.Paper.Balances = maps.Clone(cfg.Venues.Paper.Balances)
	out.Venues.Paper.CostBasis = maps.Clone(cfg.Venues.Paper.CostBasis)
	out.Venues.Paper.Prices = maps.Clone(cfg.Venues.Paper.Prices)
	out.Venues.Binance.CostBasis = maps.Clone(cfg.Venues.Binance.CostBasis)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
