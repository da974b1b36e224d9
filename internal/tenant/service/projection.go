package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/tenant/store"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

var observedStates = map[string]struct{}{
	string(v1.TenantStateProvisioning):   {},
	string(v1.TenantStateRunning):        {},
	string(v1.TenantStatePaused):         {},
	string(v1.TenantStatePendingPairing): {},
	string(v1.TenantStateError):          {},
}

// ApplyEvent folds a persisted event into the tenant projection. It runs on
// the event manager's writer goroutine after the event is durable, so the
// projection can only ever trail the log, never lead it. Malformed payloads
// are dropped with a warning; failing the whole pipeline over one bad event
// would stall every tenant behind it.
func (s *Service) ApplyEvent(ctx context.Context, e *events.Envelope) error {
	payload, err := events.DecodePayload(e)
	if err != nil {
		s.logger.Warn("Dropping malformed event payload",
			zap.String("tenant_id", e.TenantID),
			zap.String("type", e.Type),
			zap.Int64("event_id", e.EventID),
			zap.Error(err))
		return nil
	}

	var (
		state   string
		lastErr *string
	)

	switch p := payload.(type) {
	case events.StatusPayload:
		if _, ok := observedStates[p.State]; !ok {
			s.logger.Warn("Dropping status with unknown state",
				zap.String("tenant_id", e.TenantID),
				zap.String("state", p.State))
			return nil
		}
		state = p.State
		if p.State == string(v1.TenantStateError) && p.Detail != "" {
			d := p.Detail
			lastErr = &d
		}
	case events.ErrorPayload:
		if e.Type != events.RuntimeError {
			// Integration errors (google.error) are visible in the event
			// stream but do not change the runtime state.
			return nil
		}
		state = string(v1.TenantStateError)
		msg := p.Error
		if msg == "" {
			msg = "runtime error"
		}
		lastErr = &msg
	case events.ConnectionPayload:
		switch e.Type {
		case events.WhatsAppConnected:
			state = string(v1.TenantStateRunning)
		case events.WhatsAppDisconnected:
			state = string(v1.TenantStatePendingPairing)
		default:
			return nil
		}
	default:
		return nil
	}

	err = s.store.UpdateActualState(ctx, e.TenantID, state, e.CreatedAt, lastErr)
	if errors.Is(err, store.ErrTenantNotFound) {
		// Deleted or never-known tenant; the event stays in the log but has
		// nothing to project onto.
		return nil
	}
	return err
}
