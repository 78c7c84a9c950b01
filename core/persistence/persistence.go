// Package persistence implements the database controller: the
// validate, authorize, rewrite, compile, execute and sanitize pipeline that
// sits between REST-level requests and a StorageAdapter.
package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
)

// Controller runs REST-level operations against a StorageAdapter. It holds
// no per-request state and is safe for concurrent use.
type Controller struct {
	adapter       StorageAdapter
	schemas       *SchemaController
	opts          Options
	logger        *zap.Logger
	subscriptions map[string]*SubscriptionInfo
	subMu         sync.RWMutex
	bus           *events.TypedEventBus[PersistenceEvent]
}

// NewController returns a Controller over adapter. Zero option fields take
// the values of DefaultOptions.
func NewController(adapter StorageAdapter, opts Options) (*Controller, error) {
	if adapter == nil {
		return nil, fmt.Errorf("storage adapter is required")
	}
	bus, err := events.NewTypedEventBus[PersistenceEvent](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}
	opts = opts.withDefaults()
	return &Controller{
		adapter:       adapter,
		schemas:       NewSchemaController(adapter, opts),
		opts:          opts,
		logger:        opts.Logger,
		subscriptions: make(map[string]*SubscriptionInfo),
		bus:           bus,
	}, nil
}

// Schemas returns the schema controller.
func (c *Controller) Schemas() *SchemaController {
	return c.schemas
}

// Adapter returns the storage adapter.
func (c *Controller) Adapter() StorageAdapter {
	return c.adapter
}

// Close closes the storage adapter.
func (c *Controller) Close() error {
	return c.adapter.Close()
}

// RegisterSubscription registers a callback for an event type and returns
// the id to unregister it with.
func (c *Controller) RegisterSubscription(options RegisterSubscriptionOptions) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	unsubscribe := c.bus.Subscribe(string(options.Event), options.Callback)
	id := uuid.New().String()

	c.subscriptions[id] = &SubscriptionInfo{
		Id:          &id,
		Event:       options.Event,
		Label:       options.Label,
		Description: options.Description,
		Unsubscribe: unsubscribe,
	}
	return id
}

// UnregisterSubscription removes a subscription by id.
func (c *Controller) UnregisterSubscription(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if info, ok := c.subscriptions[id]; ok {
		info.Unsubscribe()
		delete(c.subscriptions, id)
	}
}

// Subscriptions lists the active subscriptions.
func (c *Controller) Subscriptions() []SubscriptionInfo {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	subs := make([]SubscriptionInfo, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, *sub)
	}
	return subs
}

// PerformInitialization creates the system classes and the unique indexes
// the user and role classes rely on.
func (c *Controller) PerformInitialization(ctx context.Context) error {
	for _, className := range []string{schema.ClassUser, schema.ClassRole, schema.ClassSession} {
		if err := c.schemas.EnforceClassExists(ctx, className, Master()); err != nil {
			return fmt.Errorf("initializing %s: %w", className, err)
		}
	}

	unique := []struct {
		className string
		field     string
	}{
		{schema.ClassUser, "username"},
		{schema.ClassUser, "email"},
		{schema.ClassRole, "name"},
	}
	for _, u := range unique {
		class, err := c.schemas.GetOneSchema(ctx, u.className)
		if err != nil {
			return err
		}
		if err := c.adapter.EnsureUniqueness(ctx, u.className, class, []string{u.field}); err != nil {
			c.logger.Warn("unable to ensure uniqueness",
				zap.String("class", u.className), zap.String("field", u.field), zap.Error(err))
			return fmt.Errorf("ensuring uniqueness of %s.%s: %w", u.className, u.field, err)
		}
	}
	return nil
}

// DeleteClass drops an empty class together with its join collections.
func (c *Controller) DeleteClass(ctx context.Context, className string) error {
	_, err := withEventEmission(c, "deleteClass", className,
		ClassDeleteStart, ClassDeleteSuccess, ClassDeleteFailed, nil, nil,
		func() (struct{}, error) {
			return struct{}{}, c.deleteClass(ctx, className)
		})
	return err
}

func (c *Controller) deleteClass(ctx context.Context, className string) error {
	class, err := c.schemas.GetOneSchema(ctx, className)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	count, err := c.adapter.Count(ctx, className, class, nil, QueryOptions{})
	if err != nil {
		return core.WrapInternal(err)
	}
	if count > 0 {
		return core.NewError(core.ClassNotEmpty, "Class %s is not empty, contains %d objects, cannot drop schema.", className, count)
	}
	for _, field := range class.RelationFields() {
		if err := c.adapter.DeleteClass(ctx, schema.JoinTableName(className, field)); err != nil {
			return core.WrapInternal(err)
		}
	}
	if err := c.adapter.DeleteClass(ctx, className); err != nil {
		return core.WrapInternal(err)
	}
	c.schemas.Invalidate(ctx, className)
	return nil
}

// PurgeClass removes every object of className, keeping its schema.
func (c *Controller) PurgeClass(ctx context.Context, className string) error {
	class, err := c.schemas.GetOneSchema(ctx, className)
	if err != nil {
		return err
	}
	err = c.adapter.DeleteObjectsByQuery(ctx, className, class, nil)
	if err != nil && !isNotFound(err) {
		return core.WrapInternal(err)
	}
	return nil
}

func (c *Controller) now() time.Time {
	return c.opts.Now().UTC().Truncate(time.Millisecond)
}
