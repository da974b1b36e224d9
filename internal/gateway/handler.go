package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	authhandlers "github.com/nexushq/nexus/internal/auth/handlers"
	authservice "github.com/nexushq/nexus/internal/auth/service"
	"github.com/nexushq/nexus/internal/common/httpapi"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
	eventstore "github.com/nexushq/nexus/internal/events/store"
	tenanthandlers "github.com/nexushq/nexus/internal/tenant/handlers"
	"github.com/nexushq/nexus/internal/tenant/models"
	"github.com/nexushq/nexus/internal/tenant/service"
)

// AccessVerifier checks a session access token and returns the user id.
// Implemented by the auth service.
type AccessVerifier interface {
	VerifyAccess(token string) (string, error)
}

// TenantAuthorizer checks that a user owns a tenant. Implemented by the
// tenant service.
type TenantAuthorizer interface {
	Authorize(ctx context.Context, userID, tenantID string) (*models.Tenant, error)
}

// EventSource reads the committed event log for replay and polling.
type EventSource interface {
	ListAfter(ctx context.Context, tenantID string, afterID int64, limit int, types []string) ([]*events.Envelope, error)
	ListRecent(ctx context.Context, tenantID string, limit int, types []string) ([]*events.Envelope, error)
	LatestTenantID(ctx context.Context, tenantID string) (int64, error)
}

// Handler serves the WebSocket stream and the polling fallback.
type Handler struct {
	hub      *Hub
	verifier AccessVerifier
	tenants  TenantAuthorizer
	source   EventSource
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewHandler(hub *Hub, verifier AccessVerifier, tenants TenantAuthorizer, source EventSource, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		tenants:  tenants,
		source:   source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			// Browser clients connect from app origins we do not control
			// here; auth is the token, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "stream-gateway")),
	}
}

// RegisterRoutes mounts the stream endpoints. The poll route uses the
// regular header auth chain; the WebSocket route authenticates from the
// token query parameter because browsers cannot set headers on WS dials.
func RegisterRoutes(router *gin.Engine, h *Handler, auth *authservice.Service, tenants *service.Service) {
	router.GET("/v1/events/ws", h.httpStream)

	poll := router.Group("/v1/tenants/:id/events",
		authhandlers.RequireUser(auth), tenanthandlers.RequireOwner(tenants))
	poll.GET("/recent", h.httpRecent)
}

func (h *Handler) httpStream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	tenantID := c.Query("tenant_id")

	var denyReason string
	userID, err := h.verifier.VerifyAccess(token)
	switch {
	case err != nil || token == "":
		denyReason = "invalid token"
	case tenantID == "":
		denyReason = "tenant_id required"
	default:
		if _, err := h.tenants.Authorize(c.Request.Context(), userID, tenantID); err != nil {
			denyReason = "tenant not accessible"
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}

	// Auth failures close after the handshake so browser clients get a
	// close code instead of an opaque dial error.
	if denyReason != "" {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, denyReason))
		_ = conn.Close()
		return
	}

	backlog, err := h.replay(c.Request.Context(), tenantID, c.Query("after_event_id"), c.Query("replay"), parseTypes(c.Query("types")))
	if err != nil {
		h.logger.Error("Replay query failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "replay failed"))
		_ = conn.Close()
		return
	}

	client := newClient(h.hub, conn, tenantID, backlog, h.logger)
	h.hub.register <- client
	go client.writePump()
	go client.readPump()
}

// replay resolves the initial batch: up to `replay` events after an explicit
// cursor, or the most recent `replay` events when the client has no cursor.
func (h *Handler) replay(ctx context.Context, tenantID, afterRaw, replayRaw string, types []string) ([]*events.Envelope, error) {
	replayMax := h.hub.cfg.ReplayMax
	if replayMax <= 0 {
		replayMax = 500
	}

	count := h.hub.cfg.ReplayDefault
	if count <= 0 {
		count = 80
	}
	if replayRaw != "" {
		n, err := strconv.Atoi(replayRaw)
		if err != nil {
			return nil, errors.New("replay must be an integer")
		}
		count = clamp(n, 0, replayMax)
	}
	if count == 0 {
		return nil, nil
	}

	if afterRaw != "" {
		after, err := strconv.ParseInt(afterRaw, 10, 64)
		if err != nil || after < 0 {
			return nil, errors.New("after_event_id must be a non-negative integer")
		}
		return h.source.ListAfter(ctx, tenantID, after, count, types)
	}
	return h.source.ListRecent(ctx, tenantID, count, types)
}

// httpRecent is the polling fallback: the same data as the stream, bounded
// and ascending.
func (h *Handler) httpRecent(c *gin.Context) {
	tenantID := c.Param("id")

	limit := h.hub.cfg.PollLimitDefault
	if limit <= 0 {
		limit = 50
	}
	limitMax := h.hub.cfg.PollLimitMax
	if limitMax <= 0 {
		limitMax = 200
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "limit must be an integer")
			return
		}
		// Out-of-range values clamp rather than fail, like replay does.
		limit = clamp(n, 1, limitMax)
	}

	types := parseTypes(c.Query("types"))

	var (
		list []*events.Envelope
		err  error
	)
	if raw := c.Query("after_event_id"); raw != "" {
		after, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || after < 0 {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "after_event_id must be a non-negative integer")
			return
		}
		list, err = h.source.ListAfter(c.Request.Context(), tenantID, after, limit, types)
	} else {
		list, err = h.source.ListRecent(c.Request.Context(), tenantID, limit, types)
	}
	if err != nil {
		h.logger.Error("Event poll failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "failed to read events")
		return
	}

	last, err := h.source.LatestTenantID(c.Request.Context(), tenantID)
	if err != nil {
		last = 0
	}
	if list == nil {
		list = []*events.Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "last_event_id": last})
}

func parseTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// ensure the concrete store satisfies the read interface
var _ EventSource = (*eventstore.Store)(nil)
