package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"storj.io/common/lrucache"

	"github.com/asaidimu/go-docstore/core/schema"
)

// SchemaCache stores loaded class schemas between requests. Implementations
// must be safe for concurrent use.
type SchemaCache interface {
	// Get returns a cached class. ok is false on a miss.
	Get(ctx context.Context, className string) (class *schema.Class, ok bool, err error)
	Set(ctx context.Context, class *schema.Class) error
	// GetAll returns the cached list of every class. ok is false on a miss.
	GetAll(ctx context.Context) (classes []*schema.Class, ok bool, err error)
	SetAll(ctx context.Context, classes []*schema.Class) error
	Del(ctx context.Context, className string) error
	Clear(ctx context.Context) error
}

const (
	schemaCacheCapacity = 1024
	allClassesKey       = "__all__"
)

// errCacheMiss makes a lookup-only Get leave nothing behind in the LRU.
var errCacheMiss = errors.New("schema cache miss")

// MemoryCache is an in-process SchemaCache with a fixed TTL, backed by
// expiring LRUs for single classes and for the full class list.
type MemoryCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	classes *lrucache.ExpiringLRUOf[*schema.Class]
	all     *lrucache.ExpiringLRUOf[[]*schema.Class]
}

// NewMemoryCache returns an empty cache whose entries live for ttl. A
// non-positive ttl disables caching.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	m := &MemoryCache{ttl: ttl}
	m.reset()
	return m
}

func (m *MemoryCache) reset() {
	capacity := schemaCacheCapacity
	if m.ttl <= 0 {
		capacity = 0
	}
	m.classes = lrucache.NewOf[*schema.Class](lrucache.Options{
		Expiration: m.ttl,
		Capacity:   capacity,
		Name:       "schema_classes",
	})
	m.all = lrucache.NewOf[[]*schema.Class](lrucache.Options{
		Expiration: m.ttl,
		Capacity:   1,
		Name:       "schema_all_classes",
	})
}

func (m *MemoryCache) lrus() (*lrucache.ExpiringLRUOf[*schema.Class], *lrucache.ExpiringLRUOf[[]*schema.Class]) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classes, m.all
}

func (m *MemoryCache) Get(ctx context.Context, className string) (*schema.Class, bool, error) {
	classes, _ := m.lrus()
	class, err := classes.Get(ctx, className, func() (*schema.Class, error) {
		return nil, errCacheMiss
	})
	if err != nil || class == nil {
		return nil, false, nil
	}
	return class.Clone(), true, nil
}

func (m *MemoryCache) Set(ctx context.Context, class *schema.Class) error {
	if m.ttl <= 0 || class == nil {
		return nil
	}
	classes, _ := m.lrus()
	stored := class.Clone()
	classes.Delete(ctx, class.ClassName)
	_, err := classes.Get(ctx, class.ClassName, func() (*schema.Class, error) {
		return stored, nil
	})
	return err
}

func (m *MemoryCache) GetAll(ctx context.Context) ([]*schema.Class, bool, error) {
	_, all := m.lrus()
	list, err := all.Get(ctx, allClassesKey, func() ([]*schema.Class, error) {
		return nil, errCacheMiss
	})
	if err != nil {
		return nil, false, nil
	}
	out := make([]*schema.Class, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out, true, nil
}

func (m *MemoryCache) SetAll(ctx context.Context, classes []*schema.Class) error {
	if m.ttl <= 0 {
		return nil
	}
	stored := make([]*schema.Class, len(classes))
	for i, c := range classes {
		stored[i] = c.Clone()
	}
	_, all := m.lrus()
	all.Delete(ctx, allClassesKey)
	_, err := all.Get(ctx, allClassesKey, func() ([]*schema.Class, error) {
		return stored, nil
	})
	return err
}

func (m *MemoryCache) Del(ctx context.Context, className string) error {
	classes, all := m.lrus()
	classes.Delete(ctx, className)
	all.Delete(ctx, allClassesKey)
	return nil
}

func (m *MemoryCache) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	return nil
}
