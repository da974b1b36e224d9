// Package server exposes the worker's private /internal HTTP surface. Every
// tenant endpoint requires a single-use action token scoped to that tenant
// and operation.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/actions"
	"github.com/nexushq/nexus/internal/common/httpapi"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/worker/runtime"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// Server routes worker actions to the runtime manager.
type Server struct {
	manager *runtime.Manager
	engine  runtime.Engine
	logger  *logger.Logger
}

func New(manager *runtime.Manager, engine runtime.Engine, log *logger.Logger) *Server {
	return &Server{
		manager: manager,
		engine:  engine,
		logger:  log.WithFields(zap.String("component", "worker-server")),
	}
}

// RegisterRoutes mounts the /internal surface.
func (s *Server) RegisterRoutes(router *gin.Engine, verifier *actions.Verifier) {
	router.GET("/internal/health", s.httpHealth)

	tenants := router.Group("/internal/tenants/:id")
	tenants.POST("/provision", RequireAction(verifier, actions.ActionProvision), s.httpProvision)
	tenants.POST("/start", RequireAction(verifier, actions.ActionStart), s.httpStart)
	tenants.POST("/stop", RequireAction(verifier, actions.ActionStop), s.httpStop)
	tenants.POST("/restart", RequireAction(verifier, actions.ActionRestart), s.httpRestart)
	tenants.POST("/pair/start", RequireAction(verifier, actions.ActionPairStart), s.httpPairStart)
	tenants.POST("/apply-config", RequireAction(verifier, actions.ActionApplyConfig), s.httpApplyConfig)
	tenants.POST("/whatsapp/disconnect", RequireAction(verifier, actions.ActionDisconnect), s.httpDisconnect)
	tenants.POST("/delete", RequireAction(verifier, actions.ActionDelete), s.httpDelete)
	tenants.GET("/health", RequireAction(verifier, actions.ActionHealth), s.httpTenantHealth)
}

func (s *Server) httpProvision(c *gin.Context) {
	var req v1.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed provision request")
		return
	}
	s.run(c, actions.ActionProvision, func(ctx context.Context, id string) error {
		return s.manager.Provision(ctx, id, req)
	})
}

func (s *Server) httpStart(c *gin.Context) {
	req, ok := actionRequest(c)
	if !ok {
		return
	}
	s.run(c, actions.ActionStart, func(ctx context.Context, id string) error {
		return s.manager.Start(ctx, id, req)
	})
}

func (s *Server) httpStop(c *gin.Context) {
	s.run(c, actions.ActionStop, s.manager.Stop)
}

func (s *Server) httpRestart(c *gin.Context) {
	req, ok := actionRequest(c)
	if !ok {
		return
	}
	s.run(c, actions.ActionRestart, func(ctx context.Context, id string) error {
		return s.manager.Restart(ctx, id, req)
	})
}

func (s *Server) httpPairStart(c *gin.Context) {
	var req v1.PairStartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed pair request")
			return
		}
	}
	s.run(c, actions.ActionPairStart, func(ctx context.Context, id string) error {
		return s.manager.PairStart(ctx, id, req)
	})
}

func (s *Server) httpApplyConfig(c *gin.Context) {
	var req v1.ApplyConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed config request")
		return
	}
	s.run(c, actions.ActionApplyConfig, func(ctx context.Context, id string) error {
		return s.manager.ApplyConfig(ctx, id, req)
	})
}

func (s *Server) httpDisconnect(c *gin.Context) {
	s.run(c, actions.ActionDisconnect, s.manager.Disconnect)
}

func (s *Server) httpDelete(c *gin.Context) {
	s.run(c, actions.ActionDelete, s.manager.Delete)
}

func (s *Server) httpTenantHealth(c *gin.Context) {
	resp, err := s.manager.Health(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, c.Param("id"), actions.ActionHealth, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// httpHealth is the unauthenticated liveness probe, reporting engine
// reachability and the materialized tenant count.
func (s *Server) httpHealth(c *gin.Context) {
	resp := v1.WorkerHealthResponse{
		Status:  "ok",
		Engine:  "ok",
		Tenants: s.manager.TenantCount(),
	}
	status := http.StatusOK
	if err := s.engine.Ping(c.Request.Context()); err != nil {
		resp.Status = "degraded"
		resp.Engine = "unreachable"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// run executes a lifecycle operation and writes the uniform response.
func (s *Server) run(c *gin.Context, action string, op func(ctx context.Context, tenantID string) error) {
	tenantID := c.Param("id")
	if err := op(c.Request.Context(), tenantID); err != nil {
		s.respondError(c, tenantID, action, err)
		return
	}
	c.JSON(http.StatusOK, v1.WorkerActionResponse{TenantID: tenantID, Action: action, State: "ok"})
}

func (s *Server) respondError(c *gin.Context, tenantID, action string, err error) {
	var notProvisioned *runtime.NotProvisionedError
	switch {
	case errors.As(err, &notProvisioned):
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeTenantNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Error("Action deadline exceeded",
			zap.String("tenant_id", tenantID), zap.String("action", action))
		httpapi.Error(c, http.StatusGatewayTimeout, httpapi.CodeEngineFailed,
			"engine operation timed out")
	default:
		s.logger.Error("Action failed",
			zap.String("tenant_id", tenantID),
			zap.String("action", action),
			zap.Error(err))
		httpapi.Error(c, http.StatusBadGateway, httpapi.CodeEngineFailed, err.Error())
	}
}

func actionRequest(c *gin.Context) (v1.ActionRequest, bool) {
	var req v1.ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed request body")
			return req, false
		}
	}
	return req, true
}
