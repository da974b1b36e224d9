// Package gateway streams committed events to tenant owners over WebSocket
// and a polling fallback. It is a read path only: events enter through the
// event manager's sink and leave in event_id order.
package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
)

// Hub fans committed envelopes out to the connected clients of each tenant.
// All subscription state lives on the Run goroutine; Deliver never blocks the
// event manager.
type Hub struct {
	cfg    config.StreamConfig
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	deliver    chan *events.Envelope

	// Run goroutine only
	clients   map[string]map[*Client]struct{}
	baselines map[string]int64
}

// NewHub creates a hub. Call Run before attaching it to the event manager.
func NewHub(cfg config.StreamConfig, log *logger.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "stream-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan *events.Envelope, 1024),
		clients:    make(map[string]map[*Client]struct{}),
		baselines:  make(map[string]int64),
	}
}

// Deliver implements the event manager sink. A full hub queue drops the
// event for live delivery only; it is already durable and reachable via
// replay.
func (h *Hub) Deliver(e *events.Envelope) {
	select {
	case h.deliver <- e:
	default:
		h.logger.Warn("Stream hub queue full, dropping live event",
			zap.Int64("event_id", e.EventID),
			zap.String("tenant_id", e.TenantID))
	}
}

// Run processes registrations and fanout until the context is cancelled,
// then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.tenantID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.tenantID] = set
			}
			set[c] = struct{}{}
			h.logger.Debug("Stream client connected",
				zap.String("tenant_id", c.tenantID),
				zap.Int("tenant_clients", len(set)))

		case c := <-h.unregister:
			h.removeClient(c, "")

		case e := <-h.deliver:
			h.fanout(e)

		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					h.removeClient(c, "server shutting down")
				}
			}
			return
		}
	}
}

// fanout applies the stale-QR guard and pushes the envelope to every client
// of its tenant. A client whose buffer is full is closed as lagging; it can
// reconnect and replay from its last seen event id.
func (h *Hub) fanout(e *events.Envelope) {
	if e.Type == events.RuntimeStatus {
		var p events.StatusPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil && p.Baseline > 0 {
			h.baselines[e.TenantID] = p.Baseline
		}
	}
	if e.Type == events.WhatsAppQR && e.EventID <= h.baselines[e.TenantID] {
		h.logger.Debug("Suppressing stale QR event",
			zap.Int64("event_id", e.EventID),
			zap.String("tenant_id", e.TenantID),
			zap.Int64("baseline", h.baselines[e.TenantID]))
		return
	}

	for c := range h.clients[e.TenantID] {
		select {
		case c.send <- e:
		default:
			h.removeClient(c, "lagging")
		}
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	set, ok := h.clients[c.tenantID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.tenantID)
	}
	c.close(reason)
	h.logger.Debug("Stream client removed",
		zap.String("tenant_id", c.tenantID),
		zap.String("reason", reason))
}
