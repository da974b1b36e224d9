package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/tenant/models"
	"github.com/nexushq/nexus/internal/tenant/store"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// healthProbeTimeout bounds the best-effort worker call inside a status
// request.
const healthProbeTimeout = 3 * time.Second

// Status reports the stored tenant projection merged with a best-effort
// live worker probe. On the first status check after creation it applies
// the versioned default prompt and skill set.
func (s *Service) Status(ctx context.Context, tenantID string) (*v1.TenantStatusResponse, error) {
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	resp := &v1.TenantStatusResponse{
		TenantID:      t.ID,
		DesiredState:  t.DesiredState,
		ActualState:   t.ActualState,
		LastHeartbeat: t.LastHeartbeat,
		LastError:     t.LastError,
	}
	if t.DesiredState == string(v1.TenantStateDeleted) {
		return resp, nil
	}

	applied, restarted := s.bootstrapDefaults(ctx, t)
	resp.DefaultsApplied = applied
	resp.RuntimeRestarted = restarted

	s.mergeLiveHealth(ctx, t, resp)
	return resp, nil
}

// bootstrapDefaults idempotently installs the default artifact set. Only
// names without any existing revision are written, so user edits are never
// clobbered. Returns whether anything was applied and whether the apply
// dispatch restarted a running runtime.
func (s *Service) bootstrapDefaults(ctx context.Context, t *models.Tenant) (applied, restarted bool) {
	if t.BootstrapVersion >= bootstrapVersion {
		return false, false
	}

	mu := s.tenantMu(t.ID)
	mu.Lock()
	defer mu.Unlock()

	install := func(kind string, files []v1.ArtifactFile) {
		for _, f := range files {
			_, err := s.store.ActiveArtifact(ctx, t.ID, kind, f.Name)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrArtifactNotFound) {
				s.logger.Warn("Bootstrap lookup failed",
					zap.String("tenant_id", t.ID), zap.String("name", f.Name), zap.Error(err))
				continue
			}
			if _, err := s.store.PutArtifact(ctx, t.ID, kind, f.Name, f.Content); err != nil {
				s.logger.Warn("Bootstrap write failed",
					zap.String("tenant_id", t.ID), zap.String("name", f.Name), zap.Error(err))
				continue
			}
			applied = true
		}
	}
	install(models.ArtifactPrompt, defaultPrompts)
	install(models.ArtifactSkill, defaultSkills)

	if err := s.store.SetBootstrapVersion(ctx, t.ID, bootstrapVersion); err != nil {
		s.logger.Warn("Failed to record bootstrap version",
			zap.String("tenant_id", t.ID), zap.Error(err))
	}
	if !applied {
		return false, false
	}

	s.audit(ctx, t.OwnerUserID, t.ID, "bootstrap", map[string]any{"version": bootstrapVersion})
	s.logger.Info("Default artifacts applied",
		zap.String("tenant_id", t.ID), zap.Int("version", bootstrapVersion))

	// Push the new artifacts to the worker. Best-effort: status must not
	// fail because the worker is briefly unreachable.
	apply, err := s.applyConfigRequest(ctx, t)
	if err != nil {
		s.logger.Warn("Bootstrap apply assembly failed",
			zap.String("tenant_id", t.ID), zap.Error(err))
		return applied, false
	}
	if _, err := s.worker.ApplyConfig(ctx, t.ID, apply); err != nil {
		s.logger.Warn("Bootstrap apply dispatch failed",
			zap.String("tenant_id", t.ID), zap.Error(err))
		return applied, false
	}
	// ApplyConfig restarts the runtime when it is running.
	return applied, t.ActualState == string(v1.TenantStateRunning)
}

// mergeLiveHealth overlays the worker's current view when reachable.
func (s *Service) mergeLiveHealth(ctx context.Context, t *models.Tenant, resp *v1.TenantStatusResponse) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	health, err := s.worker.Health(probeCtx, t.ID)
	if err != nil || health == nil || !health.Exists {
		return
	}
	if health.State != "" {
		resp.ActualState = health.State
	}
	if health.LastHeartbeat != nil {
		resp.LastHeartbeat = health.LastHeartbeat
	}
	if health.State == string(v1.TenantStateRunning) && health.StartedAt != nil {
		uptime := int64(time.Since(*health.StartedAt).Seconds())
		if uptime < 0 {
			uptime = 0
		}
		resp.UptimeSeconds = &uptime
	}
}
