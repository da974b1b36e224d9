// Package httpapi defines the JSON error envelope and the stable error codes
// shared by the control and worker HTTP surfaces.
package httpapi

import "github.com/gin-gonic/gin"

// Stable error codes. Clients branch on these; do not rename.
const (
	CodeValidation       = "validation_error"
	CodeInvalidTenantID  = "invalid_tenant_id"
	CodeTenantNotFound   = "tenant_not_found"
	CodeTenantExists     = "tenant_exists"
	CodeDuplicateEmail   = "duplicate_email"
	CodeInvalidCreds     = "invalid_credentials"
	CodeMissingBearer    = "missing_bearer_token"
	CodeInvalidToken     = "invalid_token"
	CodeForbidden        = "forbidden"
	CodeTenantScope      = "tenant_scope_mismatch"
	CodeActionScope      = "action_scope_mismatch"
	CodeOpenRouterKey    = "openrouter_api_key_required"
	CodeUnavailable      = "service_unavailable"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
	CodeComposeMissing   = "compose_missing"
	CodeTemplateMissing  = "template_missing"
	CodeEngineDown       = "docker_unavailable"
	CodeEngineFailed     = "docker_command_failed"
	CodeTenantDeleted    = "tenant_deleted"
	CodeArtifactNotFound = "artifact_not_found"
	CodeDuplicateKey     = "duplicate_config_key"
)

// Error writes the standard error body and sets the response status.
func Error(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// ErrorDetail writes the error body with a structured detail object, used
// where clients need context to recover (conflict ids, missing keys).
func ErrorDetail(c *gin.Context, status int, code, message string, detail gin.H) {
	c.JSON(status, gin.H{"error": code, "message": message, "detail": detail})
}

// AbortError writes the error body and aborts the handler chain. For
// middleware.
func AbortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
