package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duelarena/escrowd/internal/domain"
	"github.com/duelarena/escrowd/internal/notify"
	"github.com/duelarena/escrowd/internal/server"
	"github.com/duelarena/escrowd/internal/server/handler"
	"github.com/duelarena/escrowd/internal/server/ws"
	"github.com/duelarena/escrowd/internal/service"
)

// shutdownTimeout bounds how long in-flight requests may run after the
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// ServeMode runs the production escrow engine: the HTTP and WebSocket API
// backed by PostgreSQL and Redis. Deposits are disabled; balances enter the
// ledger through operational tooling, not the API.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	return a.runEngine(ctx, deps, "serve", false)
}

// PaperMode runs the same engine entirely in process memory, with the deposit
// faucet enabled so rounds can be exercised end to end without external
// services. All state is lost on shutdown.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode, state is in-memory only")
	return a.runEngine(ctx, deps, "paper", true)
}

// runEngine builds the services and API surface shared by both modes and
// blocks until the context is cancelled or a component fails.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, mode string, allowFaucet bool) error {
	clock := domain.SystemClock{}

	roundSvc := service.NewRoundService(
		deps.RoundStore,
		deps.LedgerStore,
		deps.AuditStore,
		deps.NonceRegistry,
		deps.LockManager,
		deps.EventBus,
		deps.Verifier,
		clock,
		a.cfg.Platform.AccountReserve,
		a.logger,
	)
	if deps.Archiver != nil {
		roundSvc = roundSvc.WithArchiver(deps.Archiver)
	}

	treasurySvc := service.NewTreasuryService(
		deps.LedgerStore,
		deps.TreasuryStore,
		deps.AuditStore,
		deps.EventBus,
		clock,
		domain.NormalizeAddress(a.cfg.Platform.Authority),
		domain.NormalizeAddress(a.cfg.Platform.Claimer),
		a.cfg.Platform.AccountReserve,
		a.logger,
	)

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Rounds:   handler.NewRoundHandler(roundSvc, a.logger),
		Treasury: handler.NewTreasuryHandler(treasurySvc, a.logger),
		Accounts: handler.NewAccountHandler(roundSvc, allowFaucet, a.logger),
		Audit:    handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      mode,
		StartedAt: clock.Now(),
	})

	listener := notify.NewRoundEventListener(deps.EventBus, deps.Notifier, a.logger)

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimiter:     deps.RateLimiter,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return listener.Run(ctx)
	})

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http server shutdown", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})

	return g.Wait()
}
