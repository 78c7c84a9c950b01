// Package redis provides a persistence.SchemaCache shared between processes
// through Redis. Schemas are stored as JSON under a common key prefix and
// expire after the configured TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core/persistence"
	"github.com/asaidimu/go-docstore/core/schema"
)

var (
	// Error is the error class of the schema cache.
	Error = errs.Class("schema cache")

	mon = monkit.Package()
)

// allClassesKey holds the list of every class.
const allClassesKey = "__all__"

// Options configures a Cache.
type Options struct {
	// Prefix namespaces every key, so several apps can share one database.
	Prefix string
	// TTL bounds the life of every entry. Zero keeps entries until they
	// are invalidated.
	TTL    time.Duration
	Logger *zap.Logger
}

// DefaultOptions returns the options of a cache shared by one app.
func DefaultOptions() Options {
	return Options{
		Prefix: "docstore:schema:",
		TTL:    5 * time.Second,
		Logger: zap.NewNop(),
	}
}

// Cache is a persistence.SchemaCache over a Redis client.
type Cache struct {
	db      *redis.Client
	options Options
	logger  *zap.Logger
}

var _ persistence.SchemaCache = (*Cache)(nil)

// Open connects to the redis server at address and verifies the connection.
func Open(ctx context.Context, address, password string, db int, opts Options) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Error.New("ping failed: %w", err)
	}
	return New(client, opts), nil
}

// OpenFrom connects using a redis://host:port?db=N&password=P address.
func OpenFrom(ctx context.Context, address string, opts Options) (*Cache, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if u.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}
	q := u.Query()
	db := 0
	if raw := q.Get("db"); raw != "" {
		db, err = strconv.Atoi(raw)
		if err != nil {
			return nil, Error.New("invalid db %q: %w", raw, err)
		}
	}
	return Open(ctx, u.Host, q.Get("password"), db, opts)
}

// New wraps a client. Empty option fields take their defaults, except TTL.
func New(client *redis.Client, opts Options) *Cache {
	if opts.Prefix == "" {
		opts.Prefix = DefaultOptions().Prefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: client, options: opts, logger: logger}
}

// Close closes the client.
func (c *Cache) Close() error {
	return Error.Wrap(c.db.Close())
}

func (c *Cache) key(name string) string {
	return c.options.Prefix + name
}

// Get returns the cached class.
func (c *Cache) Get(ctx context.Context, className string) (_ *schema.Class, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	var class schema.Class
	ok, err := c.get(ctx, c.key(className), &class)
	if err != nil || !ok {
		return nil, false, err
	}
	return &class, true, nil
}

// Set caches class.
func (c *Cache) Set(ctx context.Context, class *schema.Class) (err error) {
	defer mon.Task()(&ctx)(&err)
	if class == nil {
		return nil
	}
	return c.put(ctx, c.key(class.ClassName), class)
}

// GetAll returns the cached list of every class.
func (c *Cache) GetAll(ctx context.Context) (_ []*schema.Class, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	var classes []*schema.Class
	ok, err := c.get(ctx, c.key(allClassesKey), &classes)
	if err != nil || !ok {
		return nil, false, err
	}
	return classes, true, nil
}

// SetAll caches the list of every class.
func (c *Cache) SetAll(ctx context.Context, classes []*schema.Class) (err error) {
	defer mon.Task()(&ctx)(&err)
	if classes == nil {
		classes = []*schema.Class{}
	}
	return c.put(ctx, c.key(allClassesKey), classes)
}

// Del drops className and the class list.
func (c *Cache) Del(ctx context.Context, className string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := c.db.Del(ctx, c.key(className), c.key(allClassesKey)).Err(); err != nil {
		return Error.New("delete error: %w", err)
	}
	return nil
}

// Clear drops every key under the prefix.
func (c *Cache) Clear(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	it := c.db.Scan(ctx, 0, c.options.Prefix+"*", 0).Iterator()
	var keys []string
	for it.Next(ctx) {
		keys = append(keys, it.Val())
	}
	if err := it.Err(); err != nil {
		return Error.New("scan error: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.db.Del(ctx, keys...).Err(); err != nil {
		return Error.New("delete error: %w", err)
	}
	c.logger.Debug("schema cache cleared", zap.Int("keys", len(keys)))
	return nil
}

func (c *Cache) get(ctx context.Context, key string, into any) (bool, error) {
	data, err := c.db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, Error.New("get error: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		// A corrupt entry is dropped and treated as a miss.
		c.logger.Warn("dropping corrupt schema cache entry", zap.String("key", key), zap.Error(err))
		_ = c.db.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (c *Cache) put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return Error.New("encode error: %w", err)
	}
	if err := c.db.Set(ctx, key, data, c.options.TTL).Err(); err != nil {
		return Error.New("put error: %w", err)
	}
	return nil
}
