package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size. Clients only send control frames.
	maxMessageSize = 1024
)

// streamMessage is the wire frame for non-event messages (ws.ready,
// ws.keepalive). Events go out as bare envelopes.
type streamMessage struct {
	Type        string `json:"type"`
	TenantID    string `json:"tenant_id,omitempty"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

// Client is one WebSocket subscriber. The hub owns membership; the client
// owns its two pumps and the connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	tenantID string
	logger   *logger.Logger

	// backlog is the replay batch, written before any live event.
	backlog []*events.Envelope

	// lastID is the highest event id written so far; live events at or
	// below it were already covered by the replay.
	lastID int64

	send chan *events.Envelope

	closeOnce   sync.Once
	closeReason string
	closed      chan struct{}

	keepalive time.Duration
}

func newClient(hub *Hub, conn *websocket.Conn, tenantID string, backlog []*events.Envelope, log *logger.Logger) *Client {
	buffer := hub.cfg.ClientBuffer
	if buffer <= 0 {
		buffer = 256
	}
	keepalive := time.Duration(hub.cfg.KeepaliveInterval) * time.Second
	if keepalive <= 0 {
		keepalive = 45 * time.Second
	}
	c := &Client{
		hub:       hub,
		conn:      conn,
		tenantID:  tenantID,
		logger:    log,
		backlog:   backlog,
		send:      make(chan *events.Envelope, buffer),
		closed:    make(chan struct{}),
		keepalive: keepalive,
	}
	if n := len(backlog); n > 0 {
		c.lastID = backlog[n-1].EventID
	}
	return c
}

// close signals the pumps to exit. Safe to call from the hub goroutine and
// from the pumps themselves.
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)
	})
}

// readPump discards inbound frames and keeps the pong deadline fresh. It is
// the goroutine that notices a dropped peer.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Stream read error",
					zap.String("tenant_id", c.tenantID), zap.Error(err))
			}
			return
		}
	}
}

// writePump sends the greeting, the replay backlog, then live events, with
// pings and idle keepalives in between.
func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	idle := time.NewTimer(c.keepalive)
	defer func() {
		pingTicker.Stop()
		idle.Stop()
		_ = c.conn.Close()
	}()

	greeting := streamMessage{Type: "ws.ready", TenantID: c.tenantID, LastEventID: c.lastID}
	if err := c.writeJSON(greeting); err != nil {
		return
	}
	for _, e := range c.backlog {
		if err := c.writeJSON(e); err != nil {
			return
		}
	}
	c.backlog = nil

	for {
		select {
		case e := <-c.send:
			if e.EventID <= c.lastID {
				continue // covered by the replay batch
			}
			if err := c.writeJSON(e); err != nil {
				return
			}
			c.lastID = e.EventID
			resetTimer(idle, c.keepalive)

		case <-idle.C:
			if err := c.writeJSON(streamMessage{Type: "ws.keepalive", LastEventID: c.lastID}); err != nil {
				return
			}
			idle.Reset(c.keepalive)

		case <-pingTicker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			code := websocket.CloseNormalClosure
			if c.closeReason == "lagging" {
				code = websocket.ClosePolicyViolation
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, c.closeReason))
			return
		}
	}
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
