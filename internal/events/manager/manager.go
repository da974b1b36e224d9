// Package manager serializes event_id issuance and drives the event
// pipeline: redact, persist, project tenant status, fan out.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/events/bus"
	"github.com/nexushq/nexus/internal/events/store"
)

// ErrStopped is returned by Append after the manager shut down.
var ErrStopped = errors.New("event manager stopped")

// Sink receives every committed envelope in event_id order. Deliver must
// not block; slow consumers drop rather than stall the writer.
type Sink interface {
	Deliver(e *events.Envelope)
}

// Projector folds committed envelopes into the tenant status projection.
type Projector interface {
	ApplyEvent(ctx context.Context, e *events.Envelope) error
}

type appendResult struct {
	id  int64
	err error
}

type appendRequest struct {
	env   *events.Envelope
	reply chan appendResult // nil for bus-origin events
}

// Manager owns the global event sequence. All appends, whether from the
// worker via the bus or from the control plane directly, pass through one
// writer goroutine so event_id is gapless and strictly increasing.
type Manager struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu        sync.Mutex
	sinks     []Sink
	projector Projector

	incoming chan appendRequest
	stop     chan struct{}
	done     chan struct{}
	sub      bus.Subscription

	nextID int64 // writer goroutine only, after Start
}

// New creates an event manager. Attach sinks and the projector before Start.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		store:    st,
		bus:      eventBus,
		logger:   log,
		incoming: make(chan appendRequest, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AttachSink registers a fanout target for committed events.
func (m *Manager) AttachSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// AttachProjector registers the tenant status projection.
func (m *Manager) AttachProjector(p Projector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projector = p
}

// Start seeds the sequence from the store and begins consuming worker
// events from the bus.
func (m *Manager) Start(ctx context.Context) error {
	maxID, err := m.store.MaxEventID(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed event sequence: %w", err)
	}
	m.nextID = maxID

	sub, err := m.bus.Subscribe(bus.AllTenantsPattern(), m.handleBusEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to tenant events: %w", err)
	}
	m.sub = sub

	go m.run()

	m.logger.Info("Event manager started", zap.Int64("last_event_id", maxID))
	return nil
}

// Stop unsubscribes from the bus and drains queued events.
func (m *Manager) Stop() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	close(m.stop)
	<-m.done
}

// Append commits a control-origin event and returns it with the assigned
// event_id. The envelope is fanned out only after the store write succeeds.
func (m *Manager) Append(ctx context.Context, tenantID, eventType string, payload json.RawMessage) (*events.Envelope, error) {
	env := &events.Envelope{
		TenantID:  tenantID,
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	reply := make(chan appendResult, 1)

	// A buffered send can win the race against a concurrent Stop, so check
	// the stop signal first and again while waiting for the reply.
	select {
	case <-m.stop:
		return nil, ErrStopped
	default:
	}

	select {
	case m.incoming <- appendRequest{env: env, reply: reply}:
	case <-m.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, res.err
		}
		env.EventID = res.id
		return env, nil
	case <-m.done:
		// Writer exited; it may have processed us during its drain
		select {
		case res := <-reply:
			if res.err != nil {
				return nil, res.err
			}
			env.EventID = res.id
			return env, nil
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LatestTenantID returns the highest committed event_id for a tenant. Used
// as the staleness baseline when pairing starts.
func (m *Manager) LatestTenantID(ctx context.Context, tenantID string) (int64, error) {
	return m.store.LatestTenantID(ctx, tenantID)
}

// handleBusEvent runs on the bus delivery goroutine. It blocks when the
// writer queue is full, which pushes backpressure onto the bus rather than
// dropping worker events.
func (m *Manager) handleBusEvent(ctx context.Context, e *bus.Event) error {
	env := &events.Envelope{
		TenantID:  e.TenantID,
		Type:      e.Type,
		CreatedAt: e.Timestamp,
		Payload:   e.Payload,
	}
	select {
	case m.incoming <- appendRequest{env: env}:
		return nil
	case <-m.stop:
		return ErrStopped
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case req := <-m.incoming:
			m.process(req)
		case <-m.stop:
			// Drain whatever was queued before the stop signal
			for {
				select {
				case req := <-m.incoming:
					m.process(req)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) process(req appendRequest) {
	ctx := context.Background()
	e := req.env

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Payload = events.RedactPayload(e.Payload)

	m.nextID++
	e.EventID = m.nextID

	if err := m.store.Append(ctx, e); err != nil {
		m.nextID-- // keep the sequence gapless
		m.logger.Error("Failed to append event",
			zap.String("tenant_id", e.TenantID),
			zap.String("type", e.Type),
			zap.Error(err),
		)
		if req.reply != nil {
			req.reply <- appendResult{err: err}
		}
		return
	}

	m.mu.Lock()
	projector := m.projector
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	if projector != nil {
		if err := projector.ApplyEvent(ctx, e); err != nil {
			// The log is ground truth; the projection catches up on the
			// next status event.
			m.logger.Warn("Failed to project event",
				zap.Int64("event_id", e.EventID),
				zap.String("tenant_id", e.TenantID),
				zap.String("type", e.Type),
				zap.Error(err),
			)
		}
	}

	for _, s := range sinks {
		s.Deliver(e)
	}

	m.logger.Debug("Committed event",
		zap.Int64("event_id", e.EventID),
		zap.String("tenant_id", e.TenantID),
		zap.String("type", e.Type),
	)

	if req.reply != nil {
		req.reply <- appendResult{id: e.EventID}
	}
}
