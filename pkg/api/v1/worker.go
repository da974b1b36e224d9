package v1

import "time"

// ActionRequest is the optional body of worker lifecycle endpoints. The
// image override takes precedence over the tenant's recorded reference for
// this and subsequent operations.
type ActionRequest struct {
	NexusImage string `json:"nexus_image,omitempty"`
}

// ArtifactFile is a prompt or skill rendered for the tenant config
// directory.
type ArtifactFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ApplyConfigRequest ships the active revision's materialized env plus the
// active prompt and skill set to the worker.
type ApplyConfigRequest struct {
	Revision   int64             `json:"revision"`
	Env        map[string]string `json:"env"`
	Prompts    []ArtifactFile    `json:"prompts,omitempty"`
	Skills     []ArtifactFile    `json:"skills,omitempty"`
	NexusImage string            `json:"nexus_image,omitempty"`
}

// PairStartRequest carries the staleness baseline captured when pairing was
// requested: QR events with ids at or below it are stale.
type PairStartRequest struct {
	Baseline   int64  `json:"baseline"`
	NexusImage string `json:"nexus_image,omitempty"`
}

// ProvisionRequest materializes a tenant's topology with its current env
// and artifacts.
type ProvisionRequest struct {
	Env        map[string]string `json:"env"`
	Prompts    []ArtifactFile    `json:"prompts,omitempty"`
	Skills     []ArtifactFile    `json:"skills,omitempty"`
	NexusImage string            `json:"nexus_image,omitempty"`
}

// WorkerActionResponse acknowledges a worker operation.
type WorkerActionResponse struct {
	TenantID string `json:"tenant_id"`
	Action   string `json:"action"`
	State    string `json:"state,omitempty"`
}

// TenantHealthResponse reports a single tenant's runtime as the worker sees
// it.
type TenantHealthResponse struct {
	TenantID      string     `json:"tenant_id"`
	Exists        bool       `json:"exists"`
	State         string     `json:"state"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// WorkerHealthResponse is the unauthenticated liveness probe.
type WorkerHealthResponse struct {
	Status  string `json:"status"`
	Engine  string `json:"engine"`
	Tenants int    `json:"tenants"`
}
