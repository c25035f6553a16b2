package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantrail/tradeguard/internal/feed"
	"github.com/quantrail/tradeguard/internal/sched"
	"github.com/quantrail/tradeguard/internal/server"
	"github.com/quantrail/tradeguard/internal/server/handler"
	"github.com/quantrail/tradeguard/internal/server/middleware"
	"github.com/quantrail/tradeguard/internal/server/ws"
)

// ServeMode runs the HTTP API and WebSocket hub without the background
// monitoring loops. Confirmation cleanup still runs so expired tokens do not
// accumulate while an operator-only instance serves traffic.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	s := a.newScheduler(deps)
	s.Every(a.cfg.Gateway.CleanupInterval.Duration, "confirmation_cleanup", deps.Gateway.CleanupExpired)
	g.Go(func() error {
		return s.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// MonitorMode runs the safety loops (breaker sweeps, limiter decay, risk
// evaluation, confirmation cleanup, archive exports) and the market data
// feed, without the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitors(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the safety loops, the market data feed, and the HTTP API in
// one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMonitors(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// startMonitors launches the scheduler with every periodic safety job, the
// risk event loop, and the WebSocket tick feed when configured.
func (a *App) startMonitors(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	s := a.newScheduler(deps)

	s.Every(a.cfg.Breaker.SweepInterval.Duration, "breaker_sweep", deps.Breaker.Sweep)
	s.Every(a.cfg.RateLimit.DecayInterval.Duration, "limiter_decay", deps.Limiter.DecaySweep)
	s.Every(a.cfg.Risk.EvalInterval.Duration, "risk_evaluation", deps.Risk.EvaluateAll)
	s.Every(a.cfg.Gateway.CleanupInterval.Duration, "confirmation_cleanup", deps.Gateway.CleanupExpired)

	if deps.Archiver != nil && a.cfg.Archive.Interval.Duration > 0 {
		s.Every(a.cfg.Archive.Interval.Duration, "archive_export", func(ctx context.Context, _ time.Time) {
			if err := deps.Archiver.Run(ctx); err != nil {
				a.logger.WarnContext(ctx, "archive export failed",
					slog.String("error", err.Error()),
				)
			}
		})
	}

	g.Go(func() error {
		return s.Run(ctx)
	})

	// Risk reacts to market emergency events from the breaker.
	g.Go(func() error {
		return deps.Risk.RunEventLoop(ctx)
	})

	if a.cfg.Feed.Enabled && a.cfg.Feed.WsURL != "" {
		ingestor := feed.NewIngestor(deps.Breaker, deps.TickCache, deps.Exchange, a.logger)
		tickFeed := feed.NewTickFeed(a.cfg.Feed.WsURL, a.cfg.Exchange.Symbols, ingestor.Handle, a.logger)
		g.Go(func() error {
			defer tickFeed.Close()
			return tickFeed.Run(ctx)
		})
	}
}

// newScheduler builds the shared periodic-job scheduler.
func (a *App) newScheduler(deps *Dependencies) *sched.Scheduler {
	return sched.New(deps.Clock, a.logger)
}

// startHTTPServer constructs the handlers, WebSocket hub, and HTTP server,
// and launches them on the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.EventBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Trades:    handler.NewTradeHandler(deps.Gateway, deps.TradeStore, a.logger),
		Breaker:   handler.NewBreakerHandler(deps.Breaker, a.logger),
		RateLimit: handler.NewRateLimitHandler(deps.Limiter, a.logger),
		Risk:      handler.NewRiskHandler(deps.Risk, deps.AccountStore, deps.AlertStore, a.logger),
		Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	var apiLimiter middleware.QuotaChecker
	if a.cfg.Server.RateLimitAPI {
		apiLimiter = deps.Limiter
	}

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		SigningSecret: a.cfg.Server.SigningSecret,
	}, handlers, hub, apiLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown failed",
				slog.String("error", err.Error()),
			)
		}
		return ctx.Err()
	})
}
