// Package bus is the outbound event port. Usage events are published
// fire-and-forget: delivery failures are logged by callers and never
// surface to the telemetry path.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names an outbound usage event.
type EventType string

const (
	EventDeviceAssigned         EventType = "device_assigned"
	EventDeviceControlCompleted EventType = "device_control_completed"
	EventDeviceControlFailed    EventType = "device_control_failed"
	EventUsageStatusChange      EventType = "usage_status_change"
	EventAutoShutdown           EventType = "auto_shutdown"
	EventUsageInsight           EventType = "usage_insight"
)

// Event is one outbound notification about a usage session.
type Event struct {
	Type          EventType      `json:"type"`
	AppointmentID int64          `json:"appointmentId"`
	DeviceUsageID int64          `json:"deviceUsageId"`
	DeviceID      string         `json:"deviceId,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Payload renders the event as its wire JSON.
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher is the injected port the core publishes through. Implementations
// must not block the caller beyond the context deadline.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event. Used when no transport is configured and in
// tests that do not care about notifications.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout forwards each event to every configured publisher, returning the
// first error after attempting all of them.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
