// Package di wires the service with google/wire.
package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"brain2-uow/internal/config"
	"brain2-uow/internal/handlers"
	"brain2-uow/internal/infrastructure/observability"
	"brain2-uow/internal/infrastructure/persistence/dynamodb"
	"brain2-uow/internal/infrastructure/persistence/memory"
	"brain2-uow/internal/infrastructure/persistence/redis"
	"brain2-uow/internal/infrastructure/persistence/sqlite"
	"brain2-uow/internal/infrastructure/resilience"
	"brain2-uow/internal/infrastructure/transactions"
	"brain2-uow/internal/middleware"
	"brain2-uow/internal/uow"
	"brain2-uow/pkg/api"
	"brain2-uow/pkg/logger"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/wire"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	Logger       *zap.Logger
	Collector    *observability.Collector
	Store        *StoreBackend
	Registry     *uow.Registry
	RetryPolicy  *handlers.RetryPolicy
	Transactions *transactions.Manager
	Router       *chi.Mux
}

// StoreBackend is the configured store: its handle factory and its transient predicate.
type StoreBackend struct {
	Name        string
	Factory     uow.StoreFactory
	IsTransient uow.TransientFunc
}

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideCollector,
	ProvideMetrics,
	ProvideStoreBackend,
	ProvideRegistry,
	ProvideBinder,
	ProvideRetryPolicy,
	ProvideTransactionManager,
	ProvideNodeHandler,
	ProvideCallScopeMiddleware,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// ProvideLogger builds the zap logger from the logging configuration.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logging.Level, cfg.Logging.Format)
}

// ProvideCollector creates the prometheus collector.
func ProvideCollector(cfg *config.Config) *observability.Collector {
	return observability.NewCollector(cfg.Metrics.Namespace)
}

// ProvideMetrics returns the collector as the engine's metrics sink, or a no-op sink
// when metrics are disabled.
func ProvideMetrics(cfg *config.Config, collector *observability.Collector) uow.Metrics {
	if !cfg.Metrics.Enabled {
		return uow.NopMetrics{}
	}
	return collector
}

// ProvideStoreBackend opens the configured store. The cleanup closes connections.
func ProvideStoreBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*StoreBackend, func(), error) {
	backend, cleanup, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Engine.BreakerEnabled {
		breaker := resilience.NewBreaker(cfg.Engine.Breaker, backend.IsTransient, logger)
		backend.Factory = breaker.Wrap(backend.Factory)
	}
	logger.Info("Store backend ready",
		zap.String("backend", backend.Name),
		zap.Bool("circuit_breaker", cfg.Engine.BreakerEnabled),
	)
	return backend, cleanup, nil
}

func openStore(ctx context.Context, cfg config.Store, logger *zap.Logger) (*StoreBackend, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendMemory:
		store := memory.NewStore(logger)
		return &StoreBackend{Name: cfg.Backend, Factory: store.Factory(), IsTransient: memory.IsTransient}, noop, nil

	case config.BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close sqlite store", zap.Error(err))
			}
		}
		return &StoreBackend{Name: cfg.Backend, Factory: store.Factory(), IsTransient: sqlite.IsTransient}, cleanup, nil

	case config.BackendDynamoDB:
		client, err := dynamodb.NewClient(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		store := dynamodb.NewStore(client, cfg.TableName, logger)
		return &StoreBackend{Name: cfg.Backend, Factory: store.Factory(), IsTransient: dynamodb.IsTransient}, noop, nil

	case config.BackendRedis:
		client, err := redis.Connect(ctx, &goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, logger)
		if err != nil {
			return nil, nil, err
		}
		store := redis.NewStore(client, cfg.KeyPrefix, logger)
		cleanup := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close redis client", zap.Error(err))
			}
		}
		return &StoreBackend{Name: cfg.Backend, Factory: store.Factory(), IsTransient: redis.IsTransient}, cleanup, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// ProvideRegistry registers the node store as a call-scoped dependency.
func ProvideRegistry(cfg *config.Config, backend *StoreBackend) (*uow.Registry, error) {
	registry := uow.NewRegistry()
	if err := registry.Register(handlers.NodesStore, uow.Registration{
		Lifetime: uow.LifetimeCallScoped,
		Strategy: cfg.Engine.Strategy,
		Factory:  backend.Factory,
	}); err != nil {
		return nil, err
	}
	return registry, nil
}

// ProvideBinder creates the binder committing the call-scoped node session.
func ProvideBinder(backend *StoreBackend, metrics uow.Metrics, logger *zap.Logger) *uow.Binder {
	return uow.NewBinder(handlers.NodesStore,
		uow.WithTransient(backend.IsTransient),
		uow.WithMetrics(metrics),
		uow.WithLogger(logger),
	)
}

// ProvideRetryPolicy holds the configured retry policy; the config watcher swaps it.
func ProvideRetryPolicy(cfg *config.Config) *handlers.RetryPolicy {
	return handlers.NewRetryPolicy(cfg.Engine.Retry)
}

// ProvideTransactionManager creates the scoped transaction manager.
func ProvideTransactionManager(logger *zap.Logger) *transactions.Manager {
	return transactions.NewManager(logger)
}

// ProvideNodeHandler creates the node handler.
func ProvideNodeHandler(registry *uow.Registry, policy *handlers.RetryPolicy, backend *StoreBackend, manager *transactions.Manager, metrics uow.Metrics, logger *zap.Logger) *handlers.NodeHandler {
	return handlers.NewNodeHandler(registry, policy, backend.IsTransient, metrics, logger).
		WithTransactions(manager.Factory())
}

// ProvideCallScopeMiddleware creates the per-request call scope middleware.
func ProvideCallScopeMiddleware(registry *uow.Registry, binder *uow.Binder, logger *zap.Logger) *middleware.CallScope {
	return middleware.NewCallScope(registry, binder, logger)
}

// ProvideRouter provides the HTTP router with all handlers.
func ProvideRouter(cfg *config.Config, nodes *handlers.NodeHandler, scope *middleware.CallScope, collector *observability.Collector, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, collector.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(scope.Handler)
		nodes.Routes(r)
	})
	return r
}
