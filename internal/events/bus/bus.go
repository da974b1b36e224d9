// Package bus provides the tenant event bus abstraction for Nexus.
//
// The bus carries not-yet-persisted runtime events from producers (the
// worker's bridge monitor and lifecycle engine) to the control plane, which
// assigns durable event ids and fans out to stream subscribers. Subjects are
// tenant-scoped; the control plane subscribes with a wildcard.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subject layout: nexus.tenant.<tenant_id>.events. Tenant ids never contain
// dots, so the id always occupies exactly one token.
const subjectPrefix = "nexus.tenant."

// TenantSubject returns the bus subject carrying one tenant's events.
func TenantSubject(tenantID string) string {
	return subjectPrefix + tenantID + ".events"
}

// AllTenantsPattern matches every tenant's event subject.
func AllTenantsPattern() string {
	return subjectPrefix + "*.events"
}

// Event is a message on the event bus. ID is a transport-level uuid; the
// durable event_id is assigned later by the control plane's event writer.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // Service that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent creates a new event with a transport uuid and current timestamp.
func NewEvent(tenantID, eventType, source string, payload json.RawMessage) *Event {
	return &Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// MarshalPayload builds an event with the payload marshaled from v.
func MarshalPayload(tenantID, eventType, source string, v interface{}) (*Event, error) {
	if v == nil {
		return NewEvent(tenantID, eventType, source, nil), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return NewEvent(tenantID, eventType, source, data), nil
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
