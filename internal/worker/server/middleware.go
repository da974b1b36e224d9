package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nexushq/nexus/internal/actions"
	"github.com/nexushq/nexus/internal/common/httpapi"
)

// RequireAction verifies the bearer action token and checks its scope
// against the path tenant and the endpoint's action. One token authorizes
// exactly one action on one tenant.
func RequireAction(verifier *actions.Verifier, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			httpapi.AbortError(c, http.StatusUnauthorized, httpapi.CodeMissingBearer,
				"action token required")
			return
		}

		claims, err := verifier.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			httpapi.AbortError(c, http.StatusForbidden, httpapi.CodeInvalidToken,
				"action token rejected")
			return
		}

		if err := claims.Authorize(c.Param("id"), action); err != nil {
			code := httpapi.CodeTenantScope
			if errors.Is(err, actions.ErrActionScope) {
				code = httpapi.CodeActionScope
			}
			httpapi.AbortError(c, http.StatusForbidden, code, err.Error())
			return
		}

		c.Next()
	}
}
