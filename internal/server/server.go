// Package server wires the relay components into a running process: the
// datacenter backend, the session pool, the file catalog and the HTTP and
// gRPC health listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/backend/blobdc"
	"github.com/OtakuFlix/Telestore/internal/catalog"
	"github.com/OtakuFlix/Telestore/internal/config"
	"github.com/OtakuFlix/Telestore/internal/fetch"
	"github.com/OtakuFlix/Telestore/internal/logging"
	"github.com/OtakuFlix/Telestore/internal/relay"
	"github.com/OtakuFlix/Telestore/internal/session"
)

const (
	defaultHealthInterval = 5 * time.Second
	healthCheckTimeout    = 500 * time.Millisecond
	readHeaderTimeout     = 10 * time.Second
)

// readinessCheck reports whether a dependency can serve requests.
type readinessCheck func(ctx context.Context) error

// App holds the components of a relay process.
type App struct {
	Config config.Config
	Logger logging.Logger

	Backend *blobdc.Client
	Pool    *session.Pool
	Store   catalog.Store
	Handler http.Handler

	HTTPServer   *http.Server
	GRPCServer   *grpc.Server
	HealthServer *grpchealth.Server

	postgres *catalog.PostgresStore
	redis    *redis.Client

	checks         []readinessCheck
	healthInterval time.Duration
}

// Setup validates cfg and builds the components of the relay. Nothing is
// listening until Run or Serve is called.
func Setup(ctx context.Context, cfg config.Config, logger logging.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := blobdc.New(blobdc.Options{
		Identity:    cfg.Identity,
		Secret:      []byte(cfg.Secret),
		PrimaryDC:   backend.DC(cfg.PrimaryDC),
		Datacenters: cfg.DatacenterURLs(),
		ExportTTL:   cfg.ExportTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}

	app := &App{
		Config:         cfg,
		Logger:         logger,
		Backend:        client,
		healthInterval: defaultHealthInterval,
	}

	app.Pool = session.NewPool(client, logger,
		session.WithAuthAttempts(cfg.AuthAttempts),
		session.WithAuthBackoff(cfg.Retry.Backoff),
	)
	app.checks = append(app.checks, func(context.Context) error {
		if !app.Pool.Ready() {
			return session.ErrNotReady
		}
		return nil
	})

	if err := app.initCatalog(ctx); err != nil {
		app.closeStores()
		return nil, err
	}

	app.Handler = relay.New(app.Store, app.Pool, fetch.New(cfg.FetchTimeout), logger, relay.Options{
		ChunkSize: cfg.ChunkSize,
		BaseURL:   cfg.BaseURL,
	})

	return app, nil
}

func (a *App) initCatalog(ctx context.Context) error {
	var store catalog.Store = catalog.NewMemoryStore()

	if a.Config.DatabaseDSN != "" {
		pg, err := catalog.OpenPostgres(ctx, a.Config.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("init catalog: %w", err)
		}
		a.postgres = pg
		a.checks = append(a.checks, pg.Ping)
		store = pg
	} else {
		a.Logger.Warn(ctx, "no database configured, using in-memory catalog")
	}

	if a.Config.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.RedisAddr,
			Password: "",
			DB:       0,
		})
		a.checks = append(a.checks, func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
		store = catalog.NewCachedStore(store, a.redis, a.Config.CacheTTL, a.Logger)
	}

	a.Store = store
	return nil
}

// Run listens on the configured addresses and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", a.Config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.Listen, err)
	}

	var healthLn net.Listener
	if a.Config.HealthListen != "" {
		healthLn, err = net.Listen("tcp", a.Config.HealthListen)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listen %s: %w", a.Config.HealthListen, err)
		}
	}

	return a.Serve(ctx, httpLn, healthLn)
}

// Serve serves the relay on httpLn and the gRPC health service on healthLn,
// which may be nil. It returns after a graceful shutdown once ctx is done or
// a listener fails.
func (a *App) Serve(ctx context.Context, httpLn, healthLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.HTTPServer = &http.Server{
		Handler:           a.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.GRPCServer = grpc.NewServer()
	a.createHealthServer(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.HTTPServer.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if healthLn != nil {
		go func() {
			if err := a.GRPCServer.Serve(healthLn); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	a.Logger.Info(ctx, "relay listening", "addr", httpLn.Addr().String())
	if healthLn != nil {
		a.Logger.Info(ctx, "health service listening", "addr", healthLn.Addr().String())
	}

	go a.startPool(ctx)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownTimeout)
	defer cancelShutdown()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// startPool retries Start until it succeeds. Requests are answered with 503
// until then.
func (a *App) startPool(ctx context.Context) {
	backoff := a.Config.Retry.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		err := a.Pool.Start(ctx)
		if err == nil {
			a.updateHealth(ctx)
			return
		}
		a.Logger.Warn(ctx, "session pool start failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if limit := a.Config.Retry.MaxBackoff; limit > 0 && backoff > limit {
			backoff = limit
		}
	}
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(a.GRPCServer, a.HealthServer)

	go func() {
		ticker := time.NewTicker(a.healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.updateHealth(ctx)
			}
		}
	}()
}

func (a *App) updateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	for _, check := range a.checks {
		cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check(cctx)
		cancel()

		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	a.HealthServer.SetServingStatus("", status)
}

// Shutdown stops the listeners, waiting for in-flight streams until ctx is
// done, then releases sessions and stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info(ctx, "starting graceful shutdown")

	var errs []error

	if a.HealthServer != nil {
		a.HealthServer.Shutdown()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Warn(ctx, "http shutdown timed out, closing connections", "error", err)
			a.HTTPServer.Close()
		}
	}

	if a.GRPCServer != nil {
		done := make(chan struct{})
		go func() {
			a.GRPCServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GRPCServer.Stop() // force
		}
	}

	if a.Pool != nil {
		if err := a.Pool.Close(); err != nil {
			a.Logger.Warn(ctx, "session pool close error", "error", err)
			errs = append(errs, err)
		}
	}

	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info(ctx, "graceful shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("db close: %w", err))
		}
	}
	return errors.Join(errs...)
}
