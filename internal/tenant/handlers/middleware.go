package handlers

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	authhandlers "github.com/nexushq/nexus/internal/auth/handlers"
	"github.com/nexushq/nexus/internal/common/httpapi"
	"github.com/nexushq/nexus/internal/tenant/service"
	"github.com/nexushq/nexus/internal/tenant/store"
)

var tenantIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// RequireOwner validates the path tenant id and rejects callers that do not
// own it. Runs after the auth middleware, so the user id is already set.
func RequireOwner(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !tenantIDPattern.MatchString(id) {
			httpapi.AbortError(c, http.StatusBadRequest, httpapi.CodeInvalidTenantID,
				"tenant id must be 16 lowercase hex characters")
			return
		}
		userID := authhandlers.UserID(c)
		if _, err := svc.Authorize(c.Request.Context(), userID, id); err != nil {
			switch {
			case errors.Is(err, store.ErrTenantNotFound):
				httpapi.AbortError(c, http.StatusNotFound, httpapi.CodeTenantNotFound, "tenant not found")
			case errors.Is(err, service.ErrForbidden):
				httpapi.AbortError(c, http.StatusForbidden, httpapi.CodeForbidden, "tenant not owned by caller")
			default:
				httpapi.AbortError(c, http.StatusInternalServerError, httpapi.CodeInternal, "authorization check failed")
			}
			return
		}
		c.Next()
	}
}
