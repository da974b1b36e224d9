// Package service implements tenant lifecycle, config and artifact
// management for the control plane. Mutating operations persist intent
// first, then dispatch a signed action to the worker; worker failures
// surface to the caller while the stored intent stays in place for the next
// restart or reconcile.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events"
	"github.com/nexushq/nexus/internal/secrets"
	"github.com/nexushq/nexus/internal/tenant/models"
	"github.com/nexushq/nexus/internal/tenant/store"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

var (
	// ErrForbidden means the caller does not own the tenant.
	ErrForbidden = errors.New("tenant not owned by caller")
	// ErrTenantDeleted rejects operations on a terminally deleted tenant.
	ErrTenantDeleted = errors.New("tenant is deleted")
	// ErrOpenRouterKeyRequired gates start and pair_start on the model
	// provider key being configured.
	ErrOpenRouterKeyRequired = errors.New("NEXUS_OPENROUTER_API_KEY must be configured")
)

// TenantExistsError reports the caller's existing tenant on a second setup.
type TenantExistsError struct {
	TenantID string
}

func (e *TenantExistsError) Error() string {
	return fmt.Sprintf("user already owns tenant %s", e.TenantID)
}

// ConfigKeyError reports an env key that fails validation.
type ConfigKeyError struct {
	Key    string
	Reason string
}

func (e *ConfigKeyError) Error() string {
	return fmt.Sprintf("invalid config key %q: %s", e.Key, e.Reason)
}

// DuplicateKeyError reports a key present in both values and remove_keys.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("config key %q is both set and removed", e.Key)
}

// WorkerAPI is the control plane's view of the worker service. Implemented
// by workerclient.Client; faked in tests.
type WorkerAPI interface {
	Provision(ctx context.Context, tenantID string, req v1.ProvisionRequest) (*v1.WorkerActionResponse, error)
	Start(ctx context.Context, tenantID string, req v1.ActionRequest) (*v1.WorkerActionResponse, error)
	Stop(ctx context.Context, tenantID string) (*v1.WorkerActionResponse, error)
	Restart(ctx context.Context, tenantID string, req v1.ActionRequest) (*v1.WorkerActionResponse, error)
	PairStart(ctx context.Context, tenantID string, req v1.PairStartRequest) (*v1.WorkerActionResponse, error)
	ApplyConfig(ctx context.Context, tenantID string, req v1.ApplyConfigRequest) (*v1.WorkerActionResponse, error)
	WhatsAppDisconnect(ctx context.Context, tenantID string) (*v1.WorkerActionResponse, error)
	Delete(ctx context.Context, tenantID string) (*v1.WorkerActionResponse, error)
	Health(ctx context.Context, tenantID string) (*v1.TenantHealthResponse, error)
}

// EventLog is the slice of the event manager the tenant service needs:
// appending control-origin events and reading per-tenant baselines.
type EventLog interface {
	Append(ctx context.Context, tenantID, eventType string, payload json.RawMessage) (*events.Envelope, error)
	LatestTenantID(ctx context.Context, tenantID string) (int64, error)
}

// Service owns tenants, their config and artifact revisions, and lifecycle
// dispatch.
type Service struct {
	store  *store.Store
	worker WorkerAPI
	log    EventLog
	cipher *secrets.EnvCipher
	logger *logger.Logger

	// tenantMus maps tenant id → *sync.Mutex so that mutating operations on
	// the same tenant are serialized while tenants stay independent.
	tenantMus sync.Map
}

// New wires the tenant service.
func New(st *store.Store, worker WorkerAPI, log EventLog, cipher *secrets.EnvCipher, lg *logger.Logger) *Service {
	return &Service{
		store:  st,
		worker: worker,
		log:    log,
		cipher: cipher,
		logger: lg.WithFields(zap.String("component", "tenant-service")),
	}
}

// tenantMu returns (or lazily creates) the mutex for a tenant id.
func (s *Service) tenantMu(id string) *sync.Mutex {
	mu, _ := s.tenantMus.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// Authorize loads a tenant and verifies the caller owns it. Used by the
// ownership middleware and the stream gateway.
func (s *Service) Authorize(ctx context.Context, userID, tenantID string) (*models.Tenant, error) {
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.OwnerUserID != userID {
		return nil, ErrForbidden
	}
	return t, nil
}

// TenantByOwner returns the caller's tenant, if any.
func (s *Service) TenantByOwner(ctx context.Context, userID string) (*models.Tenant, error) {
	return s.store.GetTenantByOwner(ctx, userID)
}

// activeEnv returns the decrypted active env map and its revision number.
func (s *Service) activeEnv(ctx context.Context, tenantID string) (map[string]string, int64, error) {
	rev, err := s.store.ActiveConfig(ctx, tenantID)
	if err != nil {
		return nil, 0, err
	}
	var sealed map[string]string
	if err := json.Unmarshal([]byte(rev.EnvJSON), &sealed); err != nil {
		return nil, 0, fmt.Errorf("malformed env for revision %d: %w", rev.Revision, err)
	}
	env, err := s.cipher.DecryptEnv(sealed)
	if err != nil {
		return nil, 0, err
	}
	return env, rev.Revision, nil
}

// artifactFiles renders a kind's active revisions for worker dispatch.
func (s *Service) artifactFiles(ctx context.Context, tenantID, kind string) ([]v1.ArtifactFile, error) {
	artifacts, err := s.store.ActiveArtifacts(ctx, tenantID, kind)
	if err != nil {
		return nil, err
	}
	files := make([]v1.ArtifactFile, 0, len(artifacts))
	for _, a := range artifacts {
		files = append(files, v1.ArtifactFile{Name: a.Name, Content: a.Content})
	}
	return files, nil
}

// applyConfigRequest assembles the full materialization payload: decrypted
// env plus the active prompt and skill sets.
func (s *Service) applyConfigRequest(ctx context.Context, t *models.Tenant) (v1.ApplyConfigRequest, error) {
	env, revision, err := s.activeEnv(ctx, t.ID)
	if err != nil {
		return v1.ApplyConfigRequest{}, err
	}
	prompts, err := s.artifactFiles(ctx, t.ID, models.ArtifactPrompt)
	if err != nil {
		return v1.ApplyConfigRequest{}, err
	}
	skills, err := s.artifactFiles(ctx, t.ID, models.ArtifactSkill)
	if err != nil {
		return v1.ApplyConfigRequest{}, err
	}
	return v1.ApplyConfigRequest{
		Revision:   revision,
		Env:        env,
		Prompts:    prompts,
		Skills:     skills,
		NexusImage: t.Image,
	}, nil
}

// recordDispatchError stores a truncated worker failure on the tenant row.
// The desired state is left alone: it is the retained intent.
func (s *Service) recordDispatchError(ctx context.Context, tenantID, action string, err error) {
	msg := fmt.Sprintf("%s: %v", action, err)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if uerr := s.store.UpdateLastError(ctx, tenantID, &msg); uerr != nil {
		s.logger.Warn("Failed to record dispatch error",
			zap.String("tenant_id", tenantID), zap.Error(uerr))
	}
}

// audit records a mutating action. Detail must never contain sensitive
// values; callers pass key names and revision numbers only.
func (s *Service) audit(ctx context.Context, userID, tenantID, action string, detail map[string]any) {
	var encoded string
	if len(detail) > 0 {
		raw, err := json.Marshal(detail)
		if err == nil {
			encoded = string(raw)
		}
	}
	err := s.store.AppendAudit(ctx, &models.AuditEntry{
		UserID:   userID,
		TenantID: tenantID,
		Action:   action,
		Detail:   encoded,
	})
	if err != nil {
		s.logger.Warn("Failed to append audit entry",
			zap.String("tenant_id", tenantID), zap.String("action", action), zap.Error(err))
	}
}

// requireLive rejects operations on deleted tenants.
func requireLive(t *models.Tenant) error {
	if t.DesiredState == string(v1.TenantStateDeleted) || t.ActualState == string(v1.TenantStateDeleted) {
		return ErrTenantDeleted
	}
	return nil
}
