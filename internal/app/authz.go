package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// AuthzDeps carries the connections the authorization stack may need.
type AuthzDeps struct {
	Logger     *slog.Logger
	Pool       rbac.DBTX
	Redis      *redis.Client
	Registerer prometheus.Registerer
	Catalog    *rbac.Catalog
}

// Authz is the assembled permission stack.
type Authz struct {
	Catalog *rbac.Catalog
	Backend rbac.Backend
	Local   *rbac.LocalBroker
	// Broker is nil when broadcast is disabled.
	Broker  *rbac.RedisBroker
	Store   *rbac.Store
	Cache   *rbac.Cache
	Engine  *rbac.Engine
	Service *rbac.Service
	Metrics *rbac.Metrics
}

// BuildAuthz wires backend, broker, store, cache, engine and service from cfg.
func BuildAuthz(cfg *Config, deps AuthzDeps) (*Authz, error) {
	if cfg == nil {
		return nil, errors.New("app: authz config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = rbac.DefaultCatalog()
	}

	backend, err := newBackend(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := rbac.NewMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("app: authz metrics: %w", err)
	}

	local := rbac.NewLocalBroker()
	var broadcaster rbac.BroadcastInvalidator = local
	var broker *rbac.RedisBroker
	if cfg.AuthzBroadcast {
		if deps.Redis == nil {
			return nil, errors.New("app: AUTHZ_BROADCAST requires redis")
		}
		broker = rbac.NewRedisBroker(deps.Redis, local, cfg.AuthzInvalidationChannel, logger)
		broadcaster = broker
	}

	store := rbac.NewStore(backend, broadcaster, rbac.StoreOptions{
		Timeout: cfg.AuthzStoreTimeout,
		Logger:  logger,
	})
	cache := rbac.NewCache(store, rbac.CacheOptions{
		TTL:        cfg.AuthzCacheTTL,
		MaxEntries: cfg.AuthzCacheMaxEntries,
		Logger:     logger,
		Metrics:    metrics,
	})
	local.Register(cache)

	engine := rbac.NewEngine(cache, logger, metrics)
	service := rbac.NewService(store, engine, rbac.ServiceOptions{
		Catalog:       catalog,
		StrictCatalog: cfg.AuthzStrictCatalog,
		Invalidator:   broadcaster,
		Logger:        logger,
	})

	return &Authz{
		Catalog: catalog,
		Backend: backend,
		Local:   local,
		Broker:  broker,
		Store:   store,
		Cache:   cache,
		Engine:  engine,
		Service: service,
		Metrics: metrics,
	}, nil
}

// Listen starts the broadcast subscription when one is configured.
func (a *Authz) Listen(ctx context.Context) error {
	if a == nil || a.Broker == nil {
		return nil
	}
	return a.Broker.Listen(ctx)
}

func newBackend(cfg *Config, deps AuthzDeps, logger *slog.Logger) (rbac.Backend, error) {
	switch cfg.AuthzBackend {
	case BackendPostgres:
		if deps.Pool == nil {
			return nil, errors.New("app: postgres backend requires a pool")
		}
		return rbac.NewPostgresBackend(deps.Pool, logger), nil
	case BackendRedis:
		if deps.Redis == nil {
			return nil, errors.New("app: redis backend requires a client")
		}
		return rbac.NewRedisBackend(deps.Redis, logger), nil
	case BackendMemory:
		return rbac.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("app: unknown authz backend %q", cfg.AuthzBackend)
	}
}
