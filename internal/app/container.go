// Package app wires the process-level dependencies: configuration, logging,
// metrics, the storage client, and the cache stack. Everything is constructed
// explicitly at startup and passed down; there are no lazily created shared
// singletons.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"dynarepo/internal/cache"
	"dynarepo/internal/etag"
	"dynarepo/internal/observability"
	"dynarepo/internal/store"
	"dynarepo/pkg/config"
)

// Sizing for the in-process cache backend.
const (
	memoryCacheMaxItems  = 10000
	memoryCacheMaxMemory = 256 << 20
	memoryCacheSweep     = time.Minute
)

// Container holds the shared dependencies repositories are built from.
type Container struct {
	Config  *config.Config
	Dynamic *config.DynamicConfig
	Logger  *zap.Logger
	Metrics *observability.Collector
	Store   store.Store
	Cache   *cache.Manager
	ETags   *etag.Manager

	backend cache.Backend
	watcher *config.Watcher
}

// NewContainer loads configuration and constructs the full dependency graph.
func NewContainer(ctx context.Context) (*Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewContainerWith(ctx, cfg)
}

// NewContainerWith builds the graph from an already validated configuration.
func NewContainerWith(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var metrics *observability.Collector
	if cfg.EnableMetrics {
		metrics = observability.NewCollector("dynarepo")
	}

	dynamic := config.NewDynamicConfig(cfg.Tunables)

	client, err := store.NewClient(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, err
	}
	st := store.NewDynamoStore(client, cfg.TableName, metrics, logger)

	backend, err := newCacheBackend(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	cm := cache.NewManager(backend, dynamic, metrics, logger)
	em := etag.NewManager(cm, logger)

	c := &Container{
		Config:  cfg,
		Dynamic: dynamic,
		Logger:  logger,
		Metrics: metrics,
		Store:   st,
		Cache:   cm,
		ETags:   em,
		backend: backend,
	}

	if cfg.ConfigFile != "" {
		if err := c.watchConfig(cfg.ConfigFile); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// watchConfig hot-reloads the tunable overlay on file change. A broken
// overlay keeps the previous snapshot.
func (c *Container) watchConfig(path string) error {
	watcher, err := config.NewWatcher(path, c.Dynamic, c.Logger)
	if err != nil {
		return err
	}
	c.watcher = watcher
	watcher.Start()
	return nil
}

// Close releases the container's long-lived resources.
func (c *Container) Close() {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			c.Logger.Warn("Cache backend close failed", zap.Error(err))
		}
	}
	_ = c.Logger.Sync()
}

func newCacheBackend(cfg *config.Config, client *dynamodb.Client, logger *zap.Logger) (cache.Backend, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemory:
		backend := cache.NewMemoryBackend(memoryCacheMaxItems, memoryCacheMaxMemory, logger)
		backend.StartCleanup(memoryCacheSweep)
		return backend, nil
	case config.CacheBackendBadger:
		return cache.NewBadgerBackend(cfg.BadgerPath, logger)
	case config.CacheBackendDynamo:
		return cache.NewDynamoBackend(client, cfg.CacheTable, logger), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
