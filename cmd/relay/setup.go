package main

import (
	"context"
	"fmt"
	"time"

	"portal-relay/src/cache"
	"portal-relay/src/config"
	"portal-relay/src/grpc_control"
	"portal-relay/src/logger"
	"portal-relay/src/metrics"
	"portal-relay/src/network"
	"portal-relay/src/portal"
	"portal-relay/src/ratelimit"
	"portal-relay/src/relay"
	"portal-relay/src/server"
	"portal-relay/src/storage"
	"portal-relay/src/store"

	"google.golang.org/grpc"
)

const (
	metricsNamespace = "portal_relay"
	janitorInterval  = 5 * time.Minute
)

// app holds the long-lived components wired by setupApp.
type app struct {
	cache    *cache.Cache
	manager  *relay.Manager
	registry *server.HubRegistry
	gateway  *server.Server
	grpc     *grpc.Server

	stopJanitor context.CancelFunc
}

// -----------------------------------------------------------------------------

// setupCache opens the configured backend and starts its expiry janitor.
func setupCache(ctx context.Context, conf *config.Config, m *metrics.Metrics) (*cache.Cache, context.CancelFunc, error) {
	cacheLogger := logger.NewLogger(conf, "Cache")

	backend, err := storage.NewBackend(ctx, conf.Cache, cacheLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("cache backend %q: %w", conf.Cache.Backend, err)
	}
	cacheLogger.Info("Cache backend: %s", conf.Cache.Backend)

	jctx, cancel := context.WithCancel(context.Background())
	go storage.RunJanitor(jctx, backend, janitorInterval, cacheLogger)

	return cache.New(backend, m, cacheLogger), cancel, nil
}

// -----------------------------------------------------------------------------

// setupPortal builds the paced HTTP client of the portal.
func setupPortal(conf *config.Config, c *cache.Cache, m *metrics.Metrics) *portal.Client {
	limiter := ratelimit.NewLimiter(ratelimit.Options{
		AllowPaid: conf.Upstream.AllowPaidEndpoints,
		Metrics:   m,
		Logger:    logger.NewLogger(conf, "RateLimiter"),
	})
	requester := network.NewRequester(&conf.Upstream, limiter, m, logger.NewLogger(conf, "Network"))
	return portal.NewClient(requester, c, logger.NewLogger(conf, "Portal"))
}

// -----------------------------------------------------------------------------

// setupApp wires every component. Nothing is listening yet.
func setupApp(ctx context.Context, conf *config.Config, appLogger *logger.Logger) (*app, error) {
	m := metrics.New(metricsNamespace)

	c, stopJanitor, err := setupCache(ctx, conf, m)
	if err != nil {
		appLogger.Error("Failed to init cache: %v", err)
		return nil, fmt.Errorf("init cache: %w", err)
	}

	client := setupPortal(conf, c, m)
	registry := server.NewHubRegistry(m, logger.NewLogger(conf, "Hub"))

	manager := relay.NewManager(relay.Options{
		Upstream: &conf.Upstream,
		Session:  conf.Session,
		Portal:   client,
		Store:    store.New(client, logger.NewLogger(conf, "Store")),
		Sink:     registry,
		Metrics:  m,
		Logger:   logger.NewLogger(conf, "Relay"),
	})

	gateway := server.NewServer(conf.MConfig, registry, manager, m, logger.NewLogger(conf, "Gateway"))
	control := grpc_control.NewControlService(manager, logger.NewLogger(conf, "ControlService"))

	return &app{
		cache:       c,
		manager:     manager,
		registry:    registry,
		gateway:     gateway,
		grpc:        grpc_control.NewServer(control),
		stopJanitor: stopJanitor,
	}, nil
}

// -----------------------------------------------------------------------------

// shutdown stops the sessions first so clients see a clean close, then the
// listeners, then the cache.
func (a *app) shutdown(ctx context.Context, log *logger.Logger) {
	a.manager.Shutdown(ctx)

	if err := a.gateway.Shutdown(ctx); err != nil {
		log.Warning("gateway shutdown: %v", err)
	}
	a.grpc.GracefulStop()

	a.stopJanitor()
	if err := a.cache.Close(); err != nil {
		log.Warning("cache close: %v", err)
	}
}
