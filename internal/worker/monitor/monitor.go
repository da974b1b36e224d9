// Package monitor maintains one WebSocket connection per running tenant to
// the bridge inside its runtime container, translating bridge frames into
// platform events on the bus.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/worker/publisher"
	"github.com/nexushq/nexus/internal/worker/runtime"
)

// bridgeFrame is what the bridge sends: a type tag plus a free-form payload.
// Older bridges tag with "event" instead of "type".
type bridgeFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (f *bridgeFrame) kind() string {
	if f.Type != "" {
		return f.Type
	}
	return f.Event
}

// DialFunc opens the bridge WebSocket for a tenant. Overridable in tests.
type DialFunc func(ctx context.Context, tenantID string) (*websocket.Conn, error)

// Monitor watches bridge endpoints. Watch and Unwatch are safe for
// concurrent use; each watched tenant gets one connect loop goroutine.
type Monitor struct {
	cfg    config.BridgeMonitorConfig
	pub    *publisher.Publisher
	dial   DialFunc
	logger *logger.Logger

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

// New creates a monitor that dials ws://tenant_<id>_runtime:<bridgePort>/
// on the shared tenant network.
func New(ctx context.Context, cfg config.BridgeMonitorConfig, bridgePort int, pub *publisher.Publisher, log *logger.Logger) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		pub:      pub,
		logger:   log.WithFields(zap.String("component", "bridge-monitor")),
		ctx:      ctx,
		watchers: make(map[string]context.CancelFunc),
	}
	m.dial = func(ctx context.Context, tenantID string) (*websocket.Conn, error) {
		url := fmt.Sprintf("ws://%s:%d/", runtime.ContainerName(tenantID), bridgePort)
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return m
}

// SetDialFunc replaces the bridge dialer. For tests.
func (m *Monitor) SetDialFunc(dial DialFunc) {
	m.dial = dial
}

// Watch starts (or keeps) the connect loop for a tenant.
func (m *Monitor) Watch(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[tenantID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.watchers[tenantID] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, tenantID)
	}()
	m.logger.Info("Watching bridge", zap.String("tenant_id", tenantID))
}

// Unwatch stops the tenant's connect loop.
func (m *Monitor) Unwatch(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watchers[tenantID]; ok {
		cancel()
		delete(m.watchers, tenantID)
		m.logger.Info("Stopped watching bridge", zap.String("tenant_id", tenantID))
	}
}

// Close stops all loops and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	for id, cancel := range m.watchers {
		cancel()
		delete(m.watchers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// loop dials the bridge with exponential backoff and pumps frames until the
// watch is cancelled. Every disconnect restarts the backoff at the minimum;
// each failed attempt doubles it up to the cap.
func (m *Monitor) loop(ctx context.Context, tenantID string) {
	backoffMin := time.Duration(m.cfg.BackoffMin) * time.Second
	backoffMax := time.Duration(m.cfg.BackoffMax) * time.Second
	backoff := backoffMin

	for {
		conn, err := m.dial(ctx, tenantID)
		if err != nil {
			m.logger.Debug("Bridge dial failed",
				zap.String("tenant_id", tenantID),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}

		m.logger.Info("Bridge connected", zap.String("tenant_id", tenantID))
		backoff = backoffMin
		m.pump(ctx, tenantID, conn)
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// pump reads frames until the connection drops or the watch is cancelled.
func (m *Monitor) pump(ctx context.Context, tenantID string, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("Bridge read failed",
					zap.String("tenant_id", tenantID), zap.Error(err))
			}
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.pub.Publish(ctx, tenantID, events.RuntimeLog,
				events.LogPayload{Stream: "bridge", Line: string(data)})
			continue
		}
		m.translate(ctx, tenantID, &frame, data)
	}
}

// translate maps one bridge frame onto the platform event vocabulary.
func (m *Monitor) translate(ctx context.Context, tenantID string, frame *bridgeFrame, raw []byte) {
	payload := frame.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	switch frame.kind() {
	case "bridge.qr":
		m.pub.PublishRaw(ctx, tenantID, events.WhatsAppQR, payload)

	case "bridge.connected":
		m.pub.PublishRaw(ctx, tenantID, events.WhatsAppConnected, payload)
		m.pub.Status(ctx, tenantID, "running", "whatsapp connected")

	case "bridge.disconnected":
		m.pub.PublishRaw(ctx, tenantID, events.WhatsAppDisconnected, payload)
		m.pub.Status(ctx, tenantID, "pending_pairing", "whatsapp disconnected")

	case "bridge.error":
		m.pub.PublishRaw(ctx, tenantID, events.RuntimeError, payload)

	case "bridge.ready":
		m.pub.Status(ctx, tenantID, "pending_pairing", "bridge ready")

	case "bridge.inbound_message", "bridge.delivery_receipt":
		// Traffic implies a live session; refresh connected state without
		// forwarding message content
		m.pub.Publish(ctx, tenantID, events.WhatsAppConnected, events.ConnectionPayload{})

	default:
		m.pub.Publish(ctx, tenantID, events.RuntimeLog,
			events.LogPayload{Stream: "bridge", Line: string(raw)})
	}
}
