package persistence

import (
	"context"
	"time"
)

// PersistenceEventType names a controller lifecycle event.
type PersistenceEventType string

const (
	DocumentCreateStart   PersistenceEventType = "document:create:start"
	DocumentCreateSuccess PersistenceEventType = "document:create:success"
	DocumentCreateFailed  PersistenceEventType = "document:create:failed"
	DocumentReadStart     PersistenceEventType = "document:read:start"
	DocumentReadSuccess   PersistenceEventType = "document:read:success"
	DocumentReadFailed    PersistenceEventType = "document:read:failed"
	DocumentUpdateStart   PersistenceEventType = "document:update:start"
	DocumentUpdateSuccess PersistenceEventType = "document:update:success"
	DocumentUpdateFailed  PersistenceEventType = "document:update:failed"
	DocumentDeleteStart   PersistenceEventType = "document:delete:start"
	DocumentDeleteSuccess PersistenceEventType = "document:delete:success"
	DocumentDeleteFailed  PersistenceEventType = "document:delete:failed"
	RelationAddStart      PersistenceEventType = "relation:add:start"
	RelationAddSuccess    PersistenceEventType = "relation:add:success"
	RelationAddFailed     PersistenceEventType = "relation:add:failed"
	RelationRemoveStart   PersistenceEventType = "relation:remove:start"
	RelationRemoveSuccess PersistenceEventType = "relation:remove:success"
	RelationRemoveFailed  PersistenceEventType = "relation:remove:failed"
	ClassDeleteStart      PersistenceEventType = "class:delete:start"
	ClassDeleteSuccess    PersistenceEventType = "class:delete:success"
	ClassDeleteFailed     PersistenceEventType = "class:delete:failed"
)

// PersistenceEvent is published on the controller's event bus.
type PersistenceEvent struct {
	Type      PersistenceEventType `json:"type"`
	Timestamp int64                `json:"timestamp"` // Unix milliseconds
	Operation string               `json:"operation"`
	ClassName string               `json:"className,omitempty"`
	Input     any                  `json:"input,omitempty"`
	Output    any                  `json:"output,omitempty"`
	Error     *string              `json:"error,omitempty"`
	Query     any                  `json:"query,omitempty"`
	Duration  *int64               `json:"duration,omitempty"` // milliseconds
}

type EventCallbackFunction func(ctx context.Context, event PersistenceEvent) error

// RegisterSubscriptionOptions describes a subscription to one event type.
type RegisterSubscriptionOptions struct {
	Event       PersistenceEventType `json:"event"`
	Label       *string              `json:"label,omitempty"`
	Description *string              `json:"description,omitempty"`
	Callback    EventCallbackFunction
}

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	Id          *string              `json:"id"`
	Event       PersistenceEventType `json:"event"`
	Label       *string              `json:"label,omitempty"`
	Description *string              `json:"description,omitempty"`
	Unsubscribe func()               `json:"-"`
}

// emitEvent publishes event when a bus is attached.
func (c *Controller) emitEvent(event PersistenceEvent) {
	if c.bus != nil {
		c.bus.Emit(string(event.Type), event)
	}
}

// withEventEmission wraps an operation with start, success and failure
// events.
func withEventEmission[T any](
	c *Controller,
	operation string,
	className string,
	startEventType PersistenceEventType,
	successEventType PersistenceEventType,
	failedEventType PersistenceEventType,
	input any,
	queryParam any,
	fn func() (T, error),
) (T, error) {
	startTime := time.Now()
	c.emitEvent(createEvent(startEventType, operation, className, input, nil, queryParam, nil, time.Time{}))

	result, err := fn()
	if err != nil {
		errStr := err.Error()
		c.emitEvent(createEvent(failedEventType, operation, className, input, nil, queryParam, &errStr, startTime))
		return result, err
	}

	c.emitEvent(createEvent(successEventType, operation, className, input, result, queryParam, nil, startTime))
	return result, nil
}
