package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/asaidimu/go-docstore/cache/redis"
	"github.com/asaidimu/go-docstore/core/persistence"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/mongo"
	"github.com/asaidimu/go-docstore/sqlite"
)

// Config is the YAML configuration of the CLI.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
	// AllowClientClassCreation lets non-master callers create classes.
	AllowClientClassCreation bool `yaml:"allowClientClassCreation"`
	// Classes are created at start-up when missing.
	Classes []*schema.Class `yaml:"classes"`
}

// BackendConfig selects the storage adapter.
type BackendConfig struct {
	Driver           string `yaml:"driver"` // "sqlite" | "mongo"
	Path             string `yaml:"path"`
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collectionPrefix"`
}

// CacheConfig selects the schema cache.
type CacheConfig struct {
	Driver  string        `yaml:"driver"` // "memory" | "redis"
	Address string        `yaml:"address"`
	TTL     time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a configuration using a local SQLite file and an
// in-process schema cache.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{Driver: "sqlite", Path: "docstore.db"},
		Cache:   CacheConfig{Driver: "memory", TTL: 5 * time.Second},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults when optional is set.
func LoadConfig(path string, optional bool) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && optional {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend.Driver {
	case "sqlite":
		if c.Backend.Path == "" {
			return fmt.Errorf("backend.path is required for sqlite")
		}
	case "mongo":
		if c.Backend.URI == "" || c.Backend.Database == "" {
			return fmt.Errorf("backend.uri and backend.database are required for mongo")
		}
	default:
		return fmt.Errorf("unknown backend driver %q", c.Backend.Driver)
	}
	switch c.Cache.Driver {
	case "", "memory":
	case "redis":
		if c.Cache.Address == "" {
			return fmt.Errorf("cache.address is required for redis")
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	for _, class := range c.Classes {
		if err := persistence.ValidateClassName(class.ClassName); err != nil {
			return err
		}
	}
	return nil
}

// Class returns the configured schema of className, or nil.
func (c *Config) Class(className string) *schema.Class {
	for _, class := range c.Classes {
		if class.ClassName == className {
			return class
		}
	}
	return nil
}

// openAdapter connects the configured storage adapter.
func openAdapter(ctx context.Context, cfg *Config, logger *zap.Logger) (persistence.StorageAdapter, error) {
	switch cfg.Backend.Driver {
	case "mongo":
		return mongo.Connect(ctx, cfg.Backend.URI, cfg.Backend.Database, mongo.Options{
			CollectionPrefix: cfg.Backend.CollectionPrefix,
			Logger:           logger.Named("mongo"),
		})
	default:
		return sqlite.Open(ctx, cfg.Backend.Path, sqlite.Options{
			CollectionPrefix: cfg.Backend.CollectionPrefix,
			Logger:           logger.Named("sqlite"),
		})
	}
}

// openCache connects the configured schema cache. A nil cache selects the
// controller's in-process default.
func openCache(ctx context.Context, cfg *Config, logger *zap.Logger) (persistence.SchemaCache, func() error, error) {
	if cfg.Cache.Driver != "redis" {
		return nil, func() error { return nil }, nil
	}
	cache, err := redis.OpenFrom(ctx, cfg.Cache.Address, redis.Options{
		TTL:    cfg.Cache.TTL,
		Logger: logger.Named("schema-cache"),
	})
	if err != nil {
		return nil, nil, err
	}
	return cache, cache.Close, nil
}

// openController wires the configured backend and cache into a controller
// and creates the system and configured classes.
func openController(ctx context.Context, cfg *Config, logger *zap.Logger) (*persistence.Controller, func(), error) {
	adapter, err := openAdapter(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		_ = adapter.Close()
		return nil, nil, err
	}
	controller, err := persistence.NewController(adapter, persistence.Options{
		Logger:                   logger,
		AllowClientClassCreation: cfg.AllowClientClassCreation,
		SchemaCacheTTL:           cfg.Cache.TTL,
		Cache:                    cache,
	})
	if err != nil {
		_ = closeCache()
		_ = adapter.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := controller.Close(); err != nil {
			logger.Warn("closing storage adapter", zap.Error(err))
		}
		if err := closeCache(); err != nil {
			logger.Warn("closing schema cache", zap.Error(err))
		}
	}

	if err := controller.PerformInitialization(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	for _, class := range cfg.Classes {
		exists, err := controller.Schemas().HasClass(ctx, class.ClassName)
		if err == nil && !exists {
			_, err = controller.Schemas().AddClass(ctx, class)
		}
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating class %s: %w", class.ClassName, err)
		}
	}
	return controller, cleanup, nil
}
