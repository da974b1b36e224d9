package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nexushq/nexus/internal/auth/service"
	"github.com/nexushq/nexus/internal/common/httpapi"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "auth_user_id"

// RequireUser verifies the Bearer access token and stores the user id on the
// request context. Requests without a valid token are rejected before the
// handler runs.
func RequireUser(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeMissingBearer, "authorization header required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeMissingBearer, "authorization header must be a bearer token")
			return
		}
		userID, err := svc.VerifyAccess(token)
		if err != nil {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeInvalidToken, "access token is invalid or expired")
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id set by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
