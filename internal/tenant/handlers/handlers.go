// Package handlers exposes the tenant surface of the control API: setup,
// status, lifecycle, config and artifact revisions.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	authhandlers "github.com/nexushq/nexus/internal/auth/handlers"
	authservice "github.com/nexushq/nexus/internal/auth/service"
	"github.com/nexushq/nexus/internal/common/httpapi"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/tenant/service"
	"github.com/nexushq/nexus/internal/tenant/store"
	"github.com/nexushq/nexus/internal/tenant/workerclient"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "tenant-handlers")),
	}
}

// RegisterRoutes mounts the tenant endpoints. Everything requires a valid
// session; the :id routes additionally require ownership.
func RegisterRoutes(router *gin.Engine, svc *service.Service, auth *authservice.Service, log *logger.Logger) {
	h := NewHandlers(svc, log)

	api := router.Group("/v1/tenants", authhandlers.RequireUser(auth))
	api.POST("/setup", h.httpSetup)

	owned := api.Group("/:id", RequireOwner(svc))
	owned.GET("/status", h.httpStatus)
	owned.DELETE("", h.httpDelete)
	owned.POST("/runtime/start", h.httpStart)
	owned.POST("/runtime/stop", h.httpStop)
	owned.POST("/runtime/restart", h.httpRestart)
	owned.POST("/whatsapp/pair/start", h.httpPairStart)
	owned.POST("/whatsapp/disconnect", h.httpDisconnect)
	owned.GET("/config", h.httpGetConfig)
	owned.PATCH("/config", h.httpPatchConfig)
	owned.GET("/prompts", h.httpListPrompts)
	owned.PUT("/prompts/:name", h.httpPutPrompt)
	owned.GET("/skills", h.httpListSkills)
	owned.PUT("/skills/:skill_id", h.httpPutSkill)
}

func (h *Handlers) httpSetup(c *gin.Context) {
	var body v1.SetupTenantRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed setup request")
			return
		}
	}

	tenant, err := h.service.Setup(c.Request.Context(), authhandlers.UserID(c), body.InitialConfig)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.SetupTenantResponse{ID: tenant.ID})
}

func (h *Handlers) httpStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// actionBody reads the optional image override. An empty body is fine.
func actionBody(c *gin.Context) (v1.ActionRequest, bool) {
	var body v1.ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed request body")
			return body, false
		}
	}
	return body, true
}

func (h *Handlers) httpStart(c *gin.Context) {
	body, ok := actionBody(c)
	if !ok {
		return
	}
	op, err := h.service.Start(c.Request.Context(), authhandlers.UserID(c), c.Param("id"), body.NexusImage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (h *Handlers) httpStop(c *gin.Context) {
	op, err := h.service.Stop(c.Request.Context(), authhandlers.UserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (h *Handlers) httpRestart(c *gin.Context) {
	body, ok := actionBody(c)
	if !ok {
		return
	}
	op, err := h.service.Restart(c.Request.Context(), authhandlers.UserID(c), c.Param("id"), body.NexusImage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (h *Handlers) httpPairStart(c *gin.Context) {
	body, ok := actionBody(c)
	if !ok {
		return
	}
	op, err := h.service.PairStart(c.Request.Context(), authhandlers.UserID(c), c.Param("id"), body.NexusImage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (h *Handlers) httpDisconnect(c *gin.Context) {
	op, err := h.service.Disconnect(c.Request.Context(), authhandlers.UserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (h *Handlers) httpDelete(c *gin.Context) {
	op, err := h.service.Delete(c.Request.Context(), authhandlers.UserID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, op)
}

func (h *Handlers) httpGetConfig(c *gin.Context) {
	cfg, err := h.service.GetConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handlers) httpPatchConfig(c *gin.Context) {
	var body v1.PatchConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "malformed config patch")
		return
	}
	cfg, err := h.service.PatchConfig(c.Request.Context(), authhandlers.UserID(c), c.Param("id"), body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handlers) httpListPrompts(c *gin.Context) {
	prompts, err := h.service.ListPrompts(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prompts)
}

func (h *Handlers) httpPutPrompt(c *gin.Context) {
	var body v1.PutArtifactRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "content is required")
		return
	}
	prompt, err := h.service.PutPrompt(c.Request.Context(), authhandlers.UserID(c), c.Param("id"), c.Param("name"), body.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prompt)
}

func (h *Handlers) httpListSkills(c *gin.Context) {
	skills, err := h.service.ListSkills(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, skills)
}

func (h *Handlers) httpPutSkill(c *gin.Context) {
	var body v1.PutArtifactRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "content is required")
		return
	}
	skill, err := h.service.PutSkill(c.Request.Context(), authhandlers.UserID(c), c.Param("id"), c.Param("skill_id"), body.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, skill)
}

// respondError maps service and worker errors to the stable error envelope.
// Worker API errors pass through with their original status and code so the
// client sees the same failure the control plane saw.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var (
		existsErr *service.TenantExistsError
		keyErr    *service.ConfigKeyError
		dupErr    *service.DuplicateKeyError
		apiErr    *workerclient.APIError
	)
	switch {
	case errors.As(err, &existsErr):
		httpapi.ErrorDetail(c, http.StatusConflict, httpapi.CodeTenantExists,
			"user already owns a tenant", gin.H{"tenant_id": existsErr.TenantID})
	case errors.As(err, &keyErr):
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, keyErr.Error())
	case errors.As(err, &dupErr):
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeDuplicateKey, dupErr.Error())
	case errors.Is(err, service.ErrOpenRouterKeyRequired):
		httpapi.ErrorDetail(c, http.StatusBadRequest, httpapi.CodeOpenRouterKey,
			"configure NEXUS_OPENROUTER_API_KEY before starting the runtime",
			gin.H{"error": httpapi.CodeOpenRouterKey})
	case errors.Is(err, service.ErrTenantDeleted):
		httpapi.Error(c, http.StatusConflict, httpapi.CodeTenantDeleted, "tenant has been deleted")
	case errors.Is(err, service.ErrForbidden):
		httpapi.Error(c, http.StatusForbidden, httpapi.CodeForbidden, "tenant not owned by caller")
	case errors.Is(err, store.ErrTenantNotFound):
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeTenantNotFound, "tenant not found")
	case errors.Is(err, store.ErrArtifactNotFound):
		httpapi.Error(c, http.StatusNotFound, httpapi.CodeArtifactNotFound, "prompt or skill not found")
	case errors.Is(err, workerclient.ErrUnavailable):
		httpapi.Error(c, http.StatusServiceUnavailable, httpapi.CodeUnavailable,
			"worker is unreachable; the requested change is stored and will apply on the next restart")
	case errors.As(err, &apiErr):
		httpapi.Error(c, apiErr.Status, apiErr.Code, apiErr.Message)
	default:
		h.logger.Error("tenant request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "internal error")
	}
}
