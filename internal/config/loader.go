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
// built-in defaults, applies TRADEGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADEGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADEGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADEGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADEGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADEGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADEGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADEGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADEGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADEGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADEGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADEGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRADEGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRADEGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADEGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADEGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADEGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADEGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADEGUARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRADEGUARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRADEGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADEGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADEGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADEGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADEGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADEGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADEGUARD_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.CredentialsFile, "TRADEGUARD_S3_CREDENTIALS_FILE")
	setStr(&cfg.S3.CredentialsPassword, "TRADEGUARD_S3_CREDS_PASSWORD")

	// ── Breaker ──
	setFloat64(&cfg.Breaker.ThresholdPercent, "TRADEGUARD_BREAKER_THRESHOLD_PERCENT")
	setDuration(&cfg.Breaker.TimeWindow, "TRADEGUARD_BREAKER_TIME_WINDOW")
	setDuration(&cfg.Breaker.CooldownPeriod, "TRADEGUARD_BREAKER_COOLDOWN_PERIOD")
	setDuration(&cfg.Breaker.SweepInterval, "TRADEGUARD_BREAKER_SWEEP_INTERVAL")
	setBool(&cfg.Breaker.PropagateMarketWide, "TRADEGUARD_BREAKER_PROPAGATE_MARKET_WIDE")
	setInt(&cfg.Breaker.MaxPointsPerSymbol, "TRADEGUARD_BREAKER_MAX_POINTS_PER_SYMBOL")

	// ── Rate limiter ──
	setBool(&cfg.RateLimit.FailOpenUnknown, "TRADEGUARD_RATELIMIT_FAIL_OPEN_UNKNOWN")
	setStringSlice(&cfg.RateLimit.StrictEndpoints, "TRADEGUARD_RATELIMIT_STRICT_ENDPOINTS")
	setDuration(&cfg.RateLimit.BaseCooldown, "TRADEGUARD_RATELIMIT_BASE_COOLDOWN")
	setDuration(&cfg.RateLimit.MaxCooldown, "TRADEGUARD_RATELIMIT_MAX_COOLDOWN")
	setDuration(&cfg.RateLimit.DecayInterval, "TRADEGUARD_RATELIMIT_DECAY_INTERVAL")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDrawdownPercent, "TRADEGUARD_RISK_MAX_DRAWDOWN_PERCENT")
	setFloat64(&cfg.Risk.MaxDailyLossPercent, "TRADEGUARD_RISK_MAX_DAILY_LOSS_PERCENT")
	setFloat64(&cfg.Risk.MaxPositionPercent, "TRADEGUARD_RISK_MAX_POSITION_PERCENT")
	setDuration(&cfg.Risk.EvalInterval, "TRADEGUARD_RISK_EVAL_INTERVAL")

	// ── Gateway ──
	setDuration(&cfg.Gateway.ConfirmationTTL, "TRADEGUARD_GATEWAY_CONFIRMATION_TTL")
	setStr(&cfg.Gateway.ExecuteEndpoint, "TRADEGUARD_GATEWAY_EXECUTE_ENDPOINT")
	setDuration(&cfg.Gateway.CleanupInterval, "TRADEGUARD_GATEWAY_CLEANUP_INTERVAL")

	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "TRADEGUARD_EXCHANGE_NAME")
	setFloat64(&cfg.Exchange.FeeRate, "TRADEGUARD_EXCHANGE_FEE_RATE")
	setFloat64(&cfg.Exchange.SlippageBps, "TRADEGUARD_EXCHANGE_SLIPPAGE_BPS")
	setStringSlice(&cfg.Exchange.Symbols, "TRADEGUARD_EXCHANGE_SYMBOLS")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "TRADEGUARD_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "TRADEGUARD_FEED_WS_URL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRADEGUARD_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "TRADEGUARD_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "TRADEGUARD_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchLimit, "TRADEGUARD_ARCHIVE_BATCH_LIMIT")
	setBool(&cfg.Archive.DeleteAfterExport, "TRADEGUARD_ARCHIVE_DELETE_AFTER_EXPORT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADEGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADEGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADEGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TRADEGUARD_SERVER_API_KEY")
	setStr(&cfg.Server.SigningSecret, "TRADEGUARD_SERVER_SIGNING_SECRET")
	setBool(&cfg.Server.RateLimitAPI, "TRADEGUARD_SERVER_RATE_LIMIT_API")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADEGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADEGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADEGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADEGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADEGUARD_MODE")
	setStr(&cfg.LogLevel, "TRADEGUARD_LOG_LEVEL")
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
