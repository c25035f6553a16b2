// Package config defines the top-level configuration for the trade-safety
// control plane and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADEGUARD_* environment variables.
type Config struct {
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Breaker   BreakerConfig   `toml:"breaker"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Risk      RiskConfig      `toml:"risk"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Feed      FeedConfig      `toml:"feed"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
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
	// CredentialsFile points to an encrypted credentials blob. When set it
	// takes precedence over the inline access_key/secret_key pair; the
	// decryption password comes from TRADEGUARD_S3_CREDS_PASSWORD.
	CredentialsFile     string `toml:"credentials_file"`
	CredentialsPassword string `toml:"-"`
}

// BreakerConfig holds the price volatility circuit-breaker parameters.
type BreakerConfig struct {
	ThresholdPercent    float64  `toml:"threshold_percent"`
	TimeWindow          duration `toml:"time_window"`
	CooldownPeriod      duration `toml:"cooldown_period"`
	SweepInterval       duration `toml:"sweep_interval"`
	PropagateMarketWide bool     `toml:"propagate_market_wide"`
	MaxPointsPerSymbol  int      `toml:"max_points_per_symbol"`
}

// RateLimitRuleConfig holds the quota for one "exchange:endpoint" pair.
type RateLimitRuleConfig struct {
	WindowSize     duration `toml:"window_size"`
	MaxRequests    int      `toml:"max_requests"`
	BurstAllowance int      `toml:"burst_allowance"`
	DecayPeriod    duration `toml:"decay_period"`
}

// RateLimitConfig holds the exchange rate-limiter parameters. Rule keys are
// "exchange:endpoint", e.g. "paper:order".
type RateLimitConfig struct {
	Rules           map[string]RateLimitRuleConfig `toml:"rules"`
	DefaultRule     RateLimitRuleConfig            `toml:"default_rule"`
	FailOpenUnknown bool                           `toml:"fail_open_unknown"`
	StrictEndpoints []string                       `toml:"strict_endpoints"`
	BaseCooldown    duration                       `toml:"base_cooldown"`
	MaxCooldown     duration                       `toml:"max_cooldown"`
	DecayInterval   duration                       `toml:"decay_interval"`
}

// RiskConfig holds the account risk-threshold parameters.
type RiskConfig struct {
	MaxDrawdownPercent  float64  `toml:"max_drawdown_percent"`
	MaxDailyLossPercent float64  `toml:"max_daily_loss_percent"`
	MaxPositionPercent  float64  `toml:"max_position_percent"`
	EvalInterval        duration `toml:"eval_interval"`
}

// GatewayConfig holds the trade confirmation gateway parameters.
type GatewayConfig struct {
	ConfirmationTTL duration `toml:"confirmation_ttl"`
	ExecuteEndpoint string   `toml:"execute_endpoint"`
	CleanupInterval duration `toml:"cleanup_interval"`
}

// ExchangeConfig holds the paper exchange connector parameters.
type ExchangeConfig struct {
	Name        string   `toml:"name"`
	FeeRate     float64  `toml:"fee_rate"`
	SlippageBps float64  `toml:"slippage_bps"`
	Symbols     []string `toml:"symbols"`
}

// FeedConfig holds the market data WebSocket feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WsURL   string `toml:"ws_url"`
}

// ArchiveConfig holds the cold-storage export parameters.
type ArchiveConfig struct {
	Enabled           bool     `toml:"enabled"`
	Retention         duration `toml:"retention"`
	Interval          duration `toml:"interval"`
	BatchLimit        int      `toml:"batch_limit"`
	DeleteAfterExport bool     `toml:"delete_after_export"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// SigningSecret, when set, lets clients authenticate with HMAC request
	// signatures instead of the static API key.
	SigningSecret string `toml:"signing_secret"`
	// RateLimitAPI enables per-client-IP limiting on the HTTP API through
	// the shared limiter's "api:http" rule.
	RateLimitAPI bool `toml:"rate_limit_api"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
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

// Defaults returns a Config populated with reasonable default values for a
// single-instance local deployment.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradeguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradeguard-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Breaker: BreakerConfig{
			ThresholdPercent:    20.0,
			TimeWindow:          duration{15 * time.Minute},
			CooldownPeriod:      duration{30 * time.Minute},
			SweepInterval:       duration{30 * time.Second},
			PropagateMarketWide: true,
		},
		RateLimit: RateLimitConfig{
			Rules: map[string]RateLimitRuleConfig{
				"paper:order": {
					WindowSize:     duration{time.Minute},
					MaxRequests:    10,
					BurstAllowance: 3,
					DecayPeriod:    duration{5 * time.Minute},
				},
				"api:http": {
					WindowSize:     duration{time.Minute},
					MaxRequests:    300,
					BurstAllowance: 50,
					DecayPeriod:    duration{time.Minute},
				},
			},
			DefaultRule: RateLimitRuleConfig{
				WindowSize:     duration{time.Minute},
				MaxRequests:    120,
				BurstAllowance: 20,
				DecayPeriod:    duration{5 * time.Minute},
			},
			FailOpenUnknown: true,
			StrictEndpoints: []string{"order", "cancel"},
			BaseCooldown:    duration{5 * time.Second},
			MaxCooldown:     duration{5 * time.Minute},
			DecayInterval:   duration{time.Minute},
		},
		Risk: RiskConfig{
			MaxDrawdownPercent:  25.0,
			MaxDailyLossPercent: 10.0,
			MaxPositionPercent:  30.0,
			EvalInterval:        duration{time.Minute},
		},
		Gateway: GatewayConfig{
			ConfirmationTTL: duration{30 * time.Second},
			ExecuteEndpoint: "order",
			CleanupInterval: duration{time.Minute},
		},
		Exchange: ExchangeConfig{
			Name:        "paper",
			FeeRate:     0.001,
			SlippageBps: 5.0,
			Symbols:     []string{"BTC-USD", "ETH-USD"},
		},
		Feed: FeedConfig{
			Enabled: false,
			WsURL:   "ws://localhost:8765/ticks",
		},
		Archive: ArchiveConfig{
			Enabled:           false,
			Retention:         duration{90 * 24 * time.Hour},
			Interval:          duration{24 * time.Hour},
			BatchLimit:        10_000,
			DeleteAfterExport: false,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitAPI: false,
		},
		Notify: NotifyConfig{
			Events: []string{"breaker.tripped", "market.emergency", "risk.alert", "risk.emergency_stop"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true, // HTTP API + gateway only
	"monitor": true, // feed + breaker + risk loops, no API
	"full":    true, // everything
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 / archive
	if c.S3.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}
	if c.Archive.Enabled && !c.S3.Enabled {
		errs = append(errs, "archive: requires s3.enabled")
	}

	// Breaker
	if c.Breaker.ThresholdPercent <= 0 {
		errs = append(errs, "breaker: threshold_percent must be > 0")
	}
	if c.Breaker.TimeWindow.Duration <= 0 {
		errs = append(errs, "breaker: time_window must be > 0")
	}
	if c.Breaker.CooldownPeriod.Duration <= 0 {
		errs = append(errs, "breaker: cooldown_period must be > 0")
	}

	// Rate limiter
	for key, rule := range c.RateLimit.Rules {
		if !strings.Contains(key, ":") {
			errs = append(errs, fmt.Sprintf("ratelimit: rule key %q must be \"exchange:endpoint\"", key))
		}
		if rule.WindowSize.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("ratelimit: rule %q window_size must be > 0", key))
		}
		if rule.MaxRequests <= 0 {
			errs = append(errs, fmt.Sprintf("ratelimit: rule %q max_requests must be > 0", key))
		}
		if rule.BurstAllowance < 0 {
			errs = append(errs, fmt.Sprintf("ratelimit: rule %q burst_allowance must be >= 0", key))
		}
	}

	// Risk
	if c.Risk.MaxDrawdownPercent <= 0 || c.Risk.MaxDrawdownPercent > 100 {
		errs = append(errs, "risk: max_drawdown_percent must be in (0,100]")
	}
	if c.Risk.MaxDailyLossPercent <= 0 || c.Risk.MaxDailyLossPercent > 100 {
		errs = append(errs, "risk: max_daily_loss_percent must be in (0,100]")
	}
	if c.Risk.MaxPositionPercent <= 0 || c.Risk.MaxPositionPercent > 100 {
		errs = append(errs, "risk: max_position_percent must be in (0,100]")
	}

	// Gateway
	if c.Gateway.ConfirmationTTL.Duration <= 0 {
		errs = append(errs, "gateway: confirmation_ttl must be > 0")
	}

	// Exchange
	if c.Exchange.FeeRate < 0 {
		errs = append(errs, "exchange: fee_rate must be >= 0")
	}
	if len(c.Exchange.Symbols) == 0 {
		errs = append(errs, "exchange: at least one symbol must be configured")
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty when enabled")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify — Telegram needs both the token and the chat ID.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
