package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/socialmap-server/internal/config"
	"github.com/vovakirdan/socialmap-server/internal/core"
	"github.com/vovakirdan/socialmap-server/internal/health"
	"github.com/vovakirdan/socialmap-server/internal/store"
	"github.com/vovakirdan/socialmap-server/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/socialmap-server/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.ActivityStore
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
// An empty database path runs the server without persistence.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var st store.ActivityStore
	if cfg.DatabasePath != "" {
		db, err := sqlite.New(cfg.DatabasePath, sqlite.WithAutoCreate(cfg.Persistence.AutoCreateActivities))
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		st = store.NewResilient(db, store.ResilientConfig{
			Timeout:         cfg.Persistence.Timeout,
			MaxAttempts:     cfg.Persistence.MaxAttempts,
			Backoff:         cfg.Persistence.RetryBackoff,
			BreakerFailures: cfg.Persistence.BreakerFailures,
			BreakerTimeout:  cfg.Persistence.BreakerTimeout,
		}, logger)
		logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")
	} else {
		logger.Warn().Msg("database path empty, persistence disabled")
	}

	registry := core.NewRegistry(cfg.Thresholds())
	policy := core.JoinMove
	if cfg.JoinPolicy == config.JoinPolicyReject {
		policy = core.JoinReject
	}
	router := core.NewRouter(registry, policy, logger)
	hub := core.NewHub(registry, router, st, core.HubOptions{
		LobbyTimeout:  cfg.LobbyTimeout,
		SweepInterval: cfg.SweepInterval,
		HistoryLimit:  cfg.HistoryLimit,
		// Covers every retry the resilient store makes.
		StoreTimeout: cfg.Persistence.Timeout * time.Duration(cfg.Persistence.MaxAttempts+1),
	}, logger)

	reporterOpts := []health.Option{health.WithMemoryLimits(cfg.Memory.Limits())}
	if st != nil {
		reporterOpts = append(reporterOpts, health.WithStore(st))
	}
	reporter := health.NewReporter(registry, reporterOpts...)

	server := transporthttp.NewServer(hub, reporter, st, *cfg, logger)

	limits := registry.Thresholds()
	logger.Info().
		Int("soft_limit", limits.Soft).
		Int("hard_limit", limits.Hard).
		Str("memory_profile", cfg.Memory.Profile).
		Str("join_policy", cfg.JoinPolicy).
		Msg("capacity configured")

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	hubDone := make(chan struct{})

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go func() {
		defer close(hubDone)
		_ = a.hub.Run(hubCtx)
	}()

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		stopHub()
		<-hubDone
		a.cleanup()
		return err
	case <-ctx.Done():
		// Hijacked WebSocket connections are not tracked by Shutdown; the hub
		// closes them with a going-away status once ctx is done.
		<-hubDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
