// Package publisher emits worker-origin events onto the tenant bus. The
// control plane's event writer assigns durable ids; the worker only
// annotates and redacts.
package publisher

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/events/bus"
)

// Source marks events produced by the worker plane.
const Source = "nexus-worker"

// Publisher publishes tenant events to the bus. Publish failures are logged
// and swallowed: the lifecycle operation that triggered the event must not
// fail because the bus hiccupped, and reconciliation re-reports state.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

func New(eventBus bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// Publish sends a typed payload as a tenant event.
func (p *Publisher) Publish(ctx context.Context, tenantID, eventType string, payload events.Payload) {
	var raw json.RawMessage
	if payload != nil {
		raw = events.MustMarshal(payload)
	}
	p.PublishRaw(ctx, tenantID, eventType, raw)
}

// PublishRaw sends an event with an already-encoded payload, redacting
// sensitive values first. Bridge frames pass through here.
func (p *Publisher) PublishRaw(ctx context.Context, tenantID, eventType string, payload json.RawMessage) {
	e := bus.NewEvent(tenantID, eventType, Source, events.RedactPayload(payload))
	if err := p.bus.Publish(ctx, bus.TenantSubject(tenantID), e); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("tenant_id", tenantID),
			zap.String("type", eventType),
			zap.Error(err))
		return
	}
	p.logger.Debug("Published event",
		zap.String("tenant_id", tenantID),
		zap.String("type", eventType))
}

// Status publishes a runtime.status transition.
func (p *Publisher) Status(ctx context.Context, tenantID, state, detail string) {
	p.Publish(ctx, tenantID, events.RuntimeStatus, events.StatusPayload{State: state, Detail: detail})
}

// StatusBaseline publishes the pending_pairing status that carries the QR
// staleness baseline after a pair_start.
func (p *Publisher) StatusBaseline(ctx context.Context, tenantID string, baseline int64) {
	p.Publish(ctx, tenantID, events.RuntimeStatus, events.StatusPayload{
		State:    "pending_pairing",
		Baseline: baseline,
	})
}

// Error publishes a runtime.error event.
func (p *Publisher) Error(ctx context.Context, tenantID, message, detail string) {
	p.Publish(ctx, tenantID, events.RuntimeError, events.ErrorPayload{Error: message, Detail: detail})
}
