package v1

import "time"

// TenantState enumerates runtime lifecycle states. The same values appear as
// desired and actual state; desired is restricted to running, paused and
// deleted.
type TenantState string

const (
	TenantStateProvisioning   TenantState = "provisioning"
	TenantStateRunning        TenantState = "running"
	TenantStatePaused         TenantState = "paused"
	TenantStatePendingPairing TenantState = "pending_pairing"
	TenantStateError          TenantState = "error"
	TenantStateDeleted        TenantState = "deleted"
)

// SetupTenantRequest creates the caller's tenant. Initial config is merged
// over the platform defaults.
type SetupTenantRequest struct {
	InitialConfig map[string]string `json:"initial_config,omitempty"`
}

// SetupTenantResponse returns the new tenant id.
type SetupTenantResponse struct {
	ID string `json:"id"`
}

// TenantStatusResponse merges the stored projection with a best-effort live
// worker health probe. The bootstrap fields report whether default prompts
// and skills were applied during this call.
type TenantStatusResponse struct {
	TenantID         string     `json:"tenant_id"`
	DesiredState     string     `json:"desired_state"`
	ActualState      string     `json:"actual_state"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	UptimeSeconds    *int64     `json:"uptime_seconds,omitempty"`
	DefaultsApplied  bool       `json:"defaults_applied"`
	RuntimeRestarted bool       `json:"runtime_restarted"`
}

// OperationAccepted acknowledges an async lifecycle dispatch.
type OperationAccepted struct {
	TenantID  string `json:"tenant_id"`
	Operation string `json:"operation"`
	Accepted  bool   `json:"accepted"`
}

// ConfigResponse is the active config revision. Sensitive values are
// decrypted for the owner; they are never logged.
type ConfigResponse struct {
	TenantID string            `json:"tenant_id"`
	Revision int64             `json:"revision"`
	EnvJSON  map[string]string `json:"env_json"`
}

// PatchConfigRequest merges values into a new revision and drops the listed
// keys.
type PatchConfigRequest struct {
	Values     map[string]string `json:"values"`
	RemoveKeys []string          `json:"remove_keys"`
}

// Prompt is an active prompt revision.
type Prompt struct {
	Name     string `json:"name"`
	Revision int64  `json:"revision"`
	Content  string `json:"content"`
}

// Skill is an active skill revision.
type Skill struct {
	SkillID  string `json:"skill_id"`
	Revision int64  `json:"revision"`
	Content  string `json:"content"`
}

// PutArtifactRequest replaces prompt or skill content, creating the next
// revision.
type PutArtifactRequest struct {
	Content string `json:"content" binding:"required"`
}
