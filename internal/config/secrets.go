package config

// RedactedConfig returns a copy of cfg with credentials replaced by "***".
// Use it whenever the active configuration is logged or printed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Goldsky.APIKey)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Ledger.ExcludedWallets != nil {
		out.Ledger.ExcludedWallets = append([]string(nil), cfg.Ledger.ExcludedWallets...)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
