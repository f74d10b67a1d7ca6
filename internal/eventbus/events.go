// Package eventbus provides the engine's fire-and-forget event dispatch.
package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event.
type EventType string

// Lifecycle event types emitted by the engine. Handlers are observability
// only: a handler fault never aborts the emitting loop.
const (
	EventTaskStarted       EventType = "task.started"
	EventTaskStepStarted   EventType = "task.step.started"
	EventTaskStepCompleted EventType = "task.step.completed"
	EventTaskStepFailed    EventType = "task.step.failed"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskPaused        EventType = "task.paused"
	EventTaskCancelled     EventType = "task.cancelled"
	EventApprovalRequired  EventType = "approval.required"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
	EventSystemInfo    EventType = "system_info"
)

// EventHandler is a function that handles events.
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine.
type Event interface {
	// Type returns the event type.
	Type() EventType

	// Payload returns the event data.
	Payload() interface{}

	// Metadata returns additional information about the event.
	Metadata() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() int64

	// Source returns information about what generated the event.
	Source() string
}

// EventBus is the central event dispatch system.
type EventBus interface {
	// Publish sends an event to all subscribed handlers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types.
	// Returns a subscription ID that can be used to unsubscribe.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types.
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources.
	Close() error
}

// BaseEvent is a simple implementation of the Event interface.
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent.
func NewEvent(
	eventType EventType,
	payload interface{},
	source string,
	metadata map[string]interface{},
) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// Type returns the event type.
func (e *BaseEvent) Type() EventType {
	return e.eventType
}

// Payload returns the event data.
func (e *BaseEvent) Payload() interface{} {
	return e.payload
}

// Metadata returns additional information about the event.
func (e *BaseEvent) Metadata() map[string]interface{} {
	return e.metadata
}

// Timestamp returns when the event occurred.
func (e *BaseEvent) Timestamp() int64 {
	return e.timestamp
}

// Source returns information about what generated the event.
func (e *BaseEvent) Source() string {
	return e.sourceInfo
}

// WithMetadata adds or updates metadata and returns the same event.
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}
