package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/auth/models"
	"github.com/nexushq/nexus/internal/auth/service"
	"github.com/nexushq/nexus/internal/auth/store"
	"github.com/nexushq/nexus/internal/common/httpapi"
	"github.com/nexushq/nexus/internal/common/logger"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewHandlers(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "auth-handlers")),
	}
}

// RegisterRoutes mounts the authentication endpoints on the router.
func RegisterRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewHandlers(svc, log)
	api := router.Group("/v1/auth")
	api.POST("/signup", h.httpSignup)
	api.POST("/login", h.httpLogin)
	api.POST("/refresh", h.httpRefresh)
	api.GET("/me", RequireUser(svc), h.httpMe)
}

func (h *Handlers) httpSignup(c *gin.Context) {
	var body v1.SignupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "email and password are required")
		return
	}
	user, tokens, err := h.service.Signup(c.Request.Context(), body.Email, body.Password)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEmail):
			httpapi.Error(c, http.StatusConflict, httpapi.CodeDuplicateEmail, "an account with this email already exists")
		case errors.Is(err, service.ErrPasswordTooShort), errors.Is(err, service.ErrPasswordTooLong):
			httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, err.Error())
		default:
			h.logger.Error("signup failed", zap.Error(err))
			httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "failed to create account")
		}
		return
	}
	c.JSON(http.StatusCreated, v1.AuthResponse{User: toAPIUser(user), Tokens: tokens})
}

func (h *Handlers) httpLogin(c *gin.Context) {
	var body v1.LoginRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "email and password are required")
		return
	}
	user, tokens, err := h.service.Login(c.Request.Context(), body.Email, body.Password, c.ClientIP())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimited):
			httpapi.Error(c, http.StatusTooManyRequests, httpapi.CodeRateLimited, "too many login attempts, try again later")
		case errors.Is(err, service.ErrInvalidCredentials):
			httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeInvalidCreds, "invalid email or password")
		default:
			h.logger.Error("login failed", zap.Error(err))
			httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "failed to log in")
		}
		return
	}
	c.JSON(http.StatusOK, v1.AuthResponse{User: toAPIUser(user), Tokens: tokens})
}

func (h *Handlers) httpRefresh(c *gin.Context) {
	var body v1.RefreshRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, httpapi.CodeValidation, "refresh_token is required")
		return
	}
	tokens, err := h.service.Refresh(c.Request.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefresh) {
			httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeInvalidToken, "refresh token is invalid or expired")
			return
		}
		h.logger.Error("token refresh failed", zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "failed to refresh tokens")
		return
	}
	c.JSON(http.StatusOK, v1.TokensResponse{Tokens: tokens})
}

func (h *Handlers) httpMe(c *gin.Context) {
	user, err := h.service.GetUser(c.Request.Context(), UserID(c))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeInvalidToken, "account no longer exists")
			return
		}
		h.logger.Error("failed to load user", zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, httpapi.CodeInternal, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, toAPIUser(user))
}

func toAPIUser(u *models.User) v1.User {
	return v1.User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}
