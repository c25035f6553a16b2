package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantrail/tradeguard/internal/archive"
	s3blob "github.com/quantrail/tradeguard/internal/blob/s3"
	"github.com/quantrail/tradeguard/internal/breaker"
	"github.com/quantrail/tradeguard/internal/bus"
	"github.com/quantrail/tradeguard/internal/cache/redis"
	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/config"
	"github.com/quantrail/tradeguard/internal/crypto"
	"github.com/quantrail/tradeguard/internal/domain"
	"github.com/quantrail/tradeguard/internal/exchange"
	"github.com/quantrail/tradeguard/internal/gateway"
	"github.com/quantrail/tradeguard/internal/notify"
	"github.com/quantrail/tradeguard/internal/ratelimit"
	"github.com/quantrail/tradeguard/internal/risk"
	"github.com/quantrail/tradeguard/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	AccountStore      domain.AccountStore
	PositionStore     domain.PositionStore
	TradeStore        domain.TradeStore
	ConfirmationStore domain.ConfirmationStore
	AlertStore        domain.AlertStore
	AuditStore        domain.AuditStore

	// Caches and coordination
	TickCache  domain.TickCache
	RequestLog domain.RequestLog
	EventBus   domain.EventBus
	Locks      domain.LockManager

	// Safety components
	Clock    clock.Clock
	Breaker  *breaker.Monitor
	Limiter  *ratelimit.Limiter
	Risk     *risk.Monitor
	Exchange *exchange.Paper
	Gateway  *gateway.Gateway

	// Cold storage
	Archiver *archive.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.AccountStore = postgres.NewAccountStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.ConfirmationStore = postgres.NewConfirmationStore(pool)
	deps.AlertStore = postgres.NewAlertStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis (optional; the event bus falls back to in-process fan-out) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.TickCache = redis.NewTickCache(redisClient)
		deps.RequestLog = redis.NewRequestLog(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient, logger)
		deps.Locks = redis.NewLockManager(redisClient)
	} else {
		deps.EventBus = bus.NewMemory(logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Safety components ---
	deps.Clock = clock.NewSystem()

	deps.Breaker = breaker.New(breaker.Config{
		ThresholdPercent:    cfg.Breaker.ThresholdPercent,
		TimeWindow:          cfg.Breaker.TimeWindow.Duration,
		CooldownPeriod:      cfg.Breaker.CooldownPeriod.Duration,
		SweepInterval:       cfg.Breaker.SweepInterval.Duration,
		PropagateMarketWide: cfg.Breaker.PropagateMarketWide,
		MaxPointsPerSymbol:  cfg.Breaker.MaxPointsPerSymbol,
	}, deps.Clock, deps.EventBus, deps.AuditStore, logger)

	// Warm the breaker from cached ticks so a restart does not blind it for
	// a full observation window.
	if deps.TickCache != nil {
		if err := deps.Breaker.Seed(ctx, deps.TickCache, cfg.Exchange.Symbols); err != nil {
			logger.WarnContext(ctx, "breaker seed from tick cache failed",
				slog.String("error", err.Error()),
			)
		}
	}

	deps.Limiter = ratelimit.New(ratelimit.Config{
		Rules:           limiterRules(cfg.RateLimit.Rules),
		DefaultRule:     limiterRule(cfg.RateLimit.DefaultRule),
		FailOpenUnknown: cfg.RateLimit.FailOpenUnknown,
		StrictEndpoints: cfg.RateLimit.StrictEndpoints,
		BaseCooldown:    cfg.RateLimit.BaseCooldown.Duration,
		MaxCooldown:     cfg.RateLimit.MaxCooldown.Duration,
	}, deps.Clock, deps.RequestLog, logger)

	if deps.RequestLog != nil {
		if err := deps.Limiter.Seed(ctx); err != nil {
			logger.WarnContext(ctx, "limiter seed from request log failed",
				slog.String("error", err.Error()),
			)
		}
	}

	deps.Risk = risk.New(risk.Config{
		MaxDrawdownPercent:  cfg.Risk.MaxDrawdownPercent,
		MaxDailyLossPercent: cfg.Risk.MaxDailyLossPercent,
		MaxPositionPercent:  cfg.Risk.MaxPositionPercent,
		EvalInterval:        cfg.Risk.EvalInterval.Duration,
	}, deps.Clock, deps.AccountStore, deps.PositionStore, deps.TradeStore,
		deps.AlertStore, deps.AuditStore, deps.EventBus, deps.Notifier, logger)

	deps.Exchange = exchange.NewPaper(exchange.PaperConfig{
		Name:        cfg.Exchange.Name,
		FeeRate:     cfg.Exchange.FeeRate,
		SlippageBps: cfg.Exchange.SlippageBps,
		Symbols:     cfg.Exchange.Symbols,
	}, deps.Clock, logger)

	deps.Gateway = gateway.New(gateway.Config{
		ConfirmationTTL: cfg.Gateway.ConfirmationTTL.Duration,
		ExecuteEndpoint: cfg.Gateway.ExecuteEndpoint,
	}, deps.Clock, deps.Breaker, deps.Limiter, deps.AccountStore,
		deps.ConfirmationStore, deps.TradeStore, deps.Exchange, deps.EventBus, logger)

	// --- S3 blob storage and the archiver (optional) ---
	if cfg.S3.Enabled {
		accessKey, secretKey := cfg.S3.AccessKey, cfg.S3.SecretKey
		if cfg.S3.CredentialsFile != "" {
			creds, err := crypto.LoadCredentials(crypto.CredsConfig{
				EncryptedPath: cfg.S3.CredentialsFile,
				Password:      cfg.S3.CredentialsPassword,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3 credentials: %w", err)
			}
			def, ok := creds["default"]
			if !ok {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3 credentials: no default entry in %s", cfg.S3.CredentialsFile)
			}
			accessKey, secretKey = def.Key, def.Secret
		}

		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      accessKey,
			SecretKey:      secretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		if cfg.Archive.Enabled {
			deps.Archiver = archive.New(archive.Config{
				Retention:         cfg.Archive.Retention.Duration,
				BatchLimit:        cfg.Archive.BatchLimit,
				DeleteAfterExport: cfg.Archive.DeleteAfterExport,
			}, s3blob.NewWriter(s3Client),
				postgres.NewTradeStore(pool), postgres.NewAlertStore(pool),
				deps.AuditStore, deps.Locks, deps.Clock, logger)
		}
	}

	return deps, cleanup, nil
}

// limiterRules converts configured quota rules into domain rules.
func limiterRules(rules map[string]config.RateLimitRuleConfig) map[string]domain.RateLimitRule {
	out := make(map[string]domain.RateLimitRule, len(rules))
	for key, r := range rules {
		out[key] = limiterRule(r)
	}
	return out
}

func limiterRule(r config.RateLimitRuleConfig) domain.RateLimitRule {
	return domain.RateLimitRule{
		WindowSize:     r.WindowSize.Duration,
		MaxRequests:    r.MaxRequests,
		BurstAllowance: r.BurstAllowance,
		DecayPeriod:    r.DecayPeriod.Duration,
	}
}
