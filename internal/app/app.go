package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/auth"
	"github.com/vovakirdan/tutorlink-realtime/internal/cache"
	"github.com/vovakirdan/tutorlink-realtime/internal/config"
	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/queue"
	"github.com/vovakirdan/tutorlink-realtime/internal/service/messaging"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
	"github.com/vovakirdan/tutorlink-realtime/internal/store/postgres"
	"github.com/vovakirdan/tutorlink-realtime/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/tutorlink-realtime/internal/transport/http"
)

const memoryQueueCapacity = 4096

type pinger interface {
	Ping(ctx context.Context) error
}

// App wires together storage, queue, core and transport layers.
type App struct {
	cfg      *config.Config
	server   *stdhttp.Server
	registry *core.Registry
	worker   *messaging.Worker
	queue    queue.Queue
	cache    cache.Store
	store    store.Store
	log      *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg, log: logger}
	checks := make(map[string]transporthttp.HealthCheck)

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.store = st
	if p, ok := st.(pinger); ok {
		checks["database"] = p.Ping
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			a.cleanup()
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		a.cache = rc
		checks["redis"] = rc.Ping
		logger.Info().Msg("redis history cache enabled")
	} else {
		a.cache = cache.NewMemory()
		logger.Info().Msg("in-process history cache enabled")
	}

	policy := queue.RetryPolicy{MaxAttempts: cfg.Worker.MaxAttempts, Delay: cfg.Worker.RetryDelay}
	if cfg.AMQP.URL != "" {
		aq, err := queue.NewAMQP(cfg.AMQP.URL, cfg.AMQP.QueuePrefix, policy, logger)
		if err != nil {
			a.cleanup()
			return nil, fmt.Errorf("init amqp queue: %w", err)
		}
		a.queue = aq
		checks["rabbitmq"] = func(context.Context) error { return aq.Ping() }
		logger.Info().Str("prefix", cfg.AMQP.QueuePrefix).Msg("rabbitmq work queue enabled")
	} else {
		if !cfg.Worker.Embedded {
			logger.Warn().Msg("in-process queue without an embedded worker; messages will not be stored")
		}
		a.queue = queue.NewMemory(memoryQueueCapacity, policy, logger)
		logger.Info().Msg("in-process work queue enabled")
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.JWTIssuer,
		Audience: cfg.Auth.JWTAudience,
		TTL:      cfg.Auth.TokenTTL,
	}

	a.registry = core.NewRegistry()
	gateway := core.NewGateway(auth.NewVerifier(jwtConfig), st, a.registry, logger, cfg.Gateway.EventBuffer)
	pipeline := messaging.NewPipeline(a.queue, a.registry, logger)
	history := messaging.NewHistoryReader(st, a.cache, messaging.HistoryOptions{
		TTL:          cfg.History.CacheTTL,
		DefaultLimit: cfg.History.DefaultLimit,
		MaxLimit:     cfg.History.MaxLimit,
	}, logger)
	a.worker = messaging.NewWorker(st, a.cache, a.queue, logger)

	a.server = transporthttp.NewServer(transporthttp.Deps{
		Gateway:   gateway,
		Router:    core.NewRouter(a.registry, logger),
		Messaging: messaging.New(pipeline, history, st, a.cache, logger),
		Checks:    checks,
	}, cfg, logger)

	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.NewStorage(ctx, cfg.DSN)
	case "sqlite":
		return sqlite.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Run starts the HTTP server, and the persistence worker when embedded,
// and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	workerErr := make(chan error, 1)

	if a.cfg.Worker.Embedded {
		go func() {
			workerErr <- a.worker.Run(ctx, a.cfg.Worker.Consumers)
		}()
	} else {
		workerErr <- nil
	}

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
	case <-ctx.Done():
		runErr = a.shutdown()
		if err := <-serverErr; runErr == nil {
			runErr = err
		}
	}

	cancel()
	if err := <-workerErr; err != nil && runErr == nil {
		runErr = fmt.Errorf("worker: %w", err)
	}
	a.cleanup()
	return runErr
}

// RunWorker consumes persistence jobs without serving HTTP.
func (a *App) RunWorker(ctx context.Context) error {
	a.log.Info().Int("consumers", a.cfg.Worker.Consumers).Msg("persistence worker starting")
	err := a.worker.Run(ctx, a.cfg.Worker.Consumers)
	a.cleanup()
	return err
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	a.log.Info().Msg("shutting down http server")
	// Live connections are hijacked; close them so handlers exit.
	a.registry.Close()
	return a.server.Shutdown(shutdownCtx)
}

// cleanup closes the queue, cache and store in that order.
func (a *App) cleanup() {
	closers := []struct {
		name string
		c    interface{ Close() error }
	}{
		{"queue", a.queue},
		{"cache", a.cache},
		{"store", a.store},
	}
	for _, cl := range closers {
		if cl.c == nil {
			continue
		}
		if err := cl.c.Close(); err != nil {
			a.log.Warn().Err(err).Str("component", cl.name).Msg("failed to close")
			continue
		}
		a.log.Info().Str("component", cl.name).Msg("closed")
	}
}
