// Package models defines the tenant domain entities.
package models

import "time"

// Tenant is a single user's assistant runtime. Desired state is what control
// last asked for; actual state follows the worker's event stream.
type Tenant struct {
	ID               string     `db:"id" json:"id"`
	OwnerUserID      string     `db:"owner_user_id" json:"owner_user_id"`
	DesiredState     string     `db:"desired_state" json:"desired_state"`
	ActualState      string     `db:"actual_state" json:"actual_state"`
	Image            string     `db:"image" json:"image"`
	LastHeartbeat    *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	LastError        *string    `db:"last_error" json:"last_error,omitempty"`
	BootstrapVersion int        `db:"bootstrap_version" json:"bootstrap_version"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// ConfigRevision is one immutable version of a tenant's env map. EnvJSON is
// the serialized map; sensitive values inside it may carry the cipher prefix.
type ConfigRevision struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Revision  int64     `db:"revision" json:"revision"`
	EnvJSON   string    `db:"env_json" json:"env_json"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Artifact kinds.
const (
	ArtifactPrompt = "prompt"
	ArtifactSkill  = "skill"
)

// ArtifactRevision is one immutable version of a prompt or skill. Exactly
// one revision per (tenant, kind, name) is active.
type ArtifactRevision struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Kind      string    `db:"kind" json:"kind"`
	Name      string    `db:"name" json:"name"`
	Revision  int64     `db:"revision" json:"revision"`
	Content   string    `db:"content" json:"content"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AuditEntry records a mutating tenant action and its outcome.
type AuditEntry struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Action    string    `db:"action" json:"action"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
