package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	EventJobRunning   = "job_running"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)

// JobEvents lists every job lifecycle event type.
var JobEvents = []string{EventJobRunning, EventJobCompleted, EventJobFailed}

// JobEventPayload describes a job state change for event consumers.
type JobEventPayload struct {
	JobID   string    `json:"job_id"`
	JobType string    `json:"job_type"`
	SheetID string    `json:"sheet_id,omitempty"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eventType := range eventTypes {
		b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	}
}

// Publish notifies subscribers of the event type. It returns the first
// handler error; every handler runs regardless.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var firstErr error
	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s handler: %w", event.Type, err)
		}
	}
	return firstErr
}

// PublishJSON serializes the payload and publishes an event. A nil bus is a no-op.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.Publish(&event)
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}

// DecodeJobEvent unpacks a job lifecycle event.
func DecodeJobEvent(event *Event) (JobEventPayload, error) {
	var payload JobEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return JobEventPayload{}, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	return payload, nil
}
