package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/actions"
	"github.com/nexushq/nexus/internal/tenant/models"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// resolveImage applies an optional override to the tenant's recorded image
// reference, persisting it so later reconciles converge on the same image.
func (s *Service) resolveImage(ctx context.Context, t *models.Tenant, override string) (string, error) {
	override = strings.TrimSpace(override)
	if override == "" || override == t.Image {
		return t.Image, nil
	}
	if strings.ContainsAny(override, " \t\n") {
		return "", &ConfigKeyError{Key: "nexus_image", Reason: "invalid image reference"}
	}
	if err := s.store.SetImage(ctx, t.ID, override); err != nil {
		return "", err
	}
	return override, nil
}

// Start moves the tenant toward running. Requires the model provider key.
func (s *Service) Start(ctx context.Context, userID, tenantID, imageOverride string) (*v1.OperationAccepted, error) {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(t); err != nil {
		return nil, err
	}
	if ok, err := s.hasOpenRouterKey(ctx, tenantID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrOpenRouterKeyRequired
	}

	image, err := s.resolveImage(ctx, t, imageOverride)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateDesiredState(ctx, tenantID, string(v1.TenantStateRunning)); err != nil {
		return nil, err
	}

	if _, err := s.worker.Start(ctx, tenantID, v1.ActionRequest{NexusImage: image}); err != nil {
		s.recordDispatchError(ctx, tenantID, actions.ActionStart, err)
		return nil, err
	}
	s.audit(ctx, userID, tenantID, actions.ActionStart, nil)
	return accepted(tenantID, actions.ActionStart), nil
}

// Stop pauses the runtime; volumes are retained.
func (s *Service) Stop(ctx context.Context, userID, tenantID string) (*v1.OperationAccepted, error) {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(t); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDesiredState(ctx, tenantID, string(v1.TenantStatePaused)); err != nil {
		return nil, err
	}

	if _, err := s.worker.Stop(ctx, tenantID); err != nil {
		s.recordDispatchError(ctx, tenantID, actions.ActionStop, err)
		return nil, err
	}
	s.audit(ctx, userID, tenantID, actions.ActionStop, nil)
	return accepted(tenantID, actions.ActionStop), nil
}

// Restart stops and starts the runtime; it also recovers from the error
// state.
func (s *Service) Restart(ctx context.Context, userID, tenantID, imageOverride string) (*v1.OperationAccepted, error) {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(t); err != nil {
		return nil, err
	}

	image, err := s.resolveImage(ctx, t, imageOverride)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateDesiredState(ctx, tenantID, string(v1.TenantStateRunning)); err != nil {
		return nil, err
	}

	if _, err := s.worker.Restart(ctx, tenantID, v1.ActionRequest{NexusImage: image}); err != nil {
		s.recordDispatchError(ctx, tenantID, actions.ActionRestart, err)
		return nil, err
	}
	s.audit(ctx, userID, tenantID, actions.ActionRestart, nil)
	return accepted(tenantID, actions.ActionRestart), nil
}

// PairStart forces a fresh pairing cycle. The baseline is the tenant's
// latest persisted event id at the moment of the request: any QR event at
// or below it is stale by definition.
func (s *Service) PairStart(ctx context.Context, userID, tenantID, imageOverride string) (*v1.OperationAccepted, error) {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(t); err != nil {
		return nil, err
	}
	if ok, err := s.hasOpenRouterKey(ctx, tenantID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrOpenRouterKeyRequired
	}

	image, err := s.resolveImage(ctx, t, imageOverride)
	if err != nil {
		return nil, err
	}
	baseline, err := s.log.LatestTenantID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateDesiredState(ctx, tenantID, string(v1.TenantStatePendingPairing)); err != nil {
		return nil, err
	}

	if _, err := s.worker.PairStart(ctx, tenantID, v1.PairStartRequest{Baseline: baseline, NexusImage: image}); err != nil {
		s.recordDispatchError(ctx, tenantID, actions.ActionPairStart, err)
		return nil, err
	}
	s.audit(ctx, userID, tenantID, actions.ActionPairStart, map[string]any{"baseline": baseline})
	s.logger.Info("Pairing started",
		zap.String("tenant_id", tenantID), zap.Int64("baseline", baseline))
	return accepted(tenantID, actions.ActionPairStart), nil
}

// Disconnect drops the WhatsApp pairing. The runtime restarts into pending
// pairing, so the next observed state is pending_pairing.
func (s *Service) Disconnect(ctx context.Context, userID, tenantID string) (*v1.OperationAccepted, error) {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := requireLive(t); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDesiredState(ctx, tenantID, string(v1.TenantStatePendingPairing)); err != nil {
		return nil, err
	}

	if _, err := s.worker.WhatsAppDisconnect(ctx, tenantID); err != nil {
		s.recordDispatchError(ctx, tenantID, actions.ActionDisconnect, err)
		return nil, err
	}
	s.audit(ctx, userID, tenantID, actions.ActionDisconnect, nil)
	return accepted(tenantID, actions.ActionDisconnect), nil
}

// Delete removes the runtime, both volumes, and marks the tenant terminally
// deleted. Deleting an already deleted tenant is a no-op success.
func (s *Service) Delete(ctx context.Context, userID, tenantID string) (*v1.OperationAccepted, error) {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.DesiredState == string(v1.TenantStateDeleted) && t.ActualState == string(v1.TenantStateDeleted) {
		return accepted(tenantID, actions.ActionDelete), nil
	}

	if err := s.store.UpdateDesiredState(ctx, tenantID, string(v1.TenantStateDeleted)); err != nil {
		return nil, err
	}
	if _, err := s.worker.Delete(ctx, tenantID); err != nil {
		s.recordDispatchError(ctx, tenantID, actions.ActionDelete, err)
		return nil, err
	}
	if err := s.store.MarkDeleted(ctx, tenantID); err != nil {
		return nil, err
	}
	s.audit(ctx, userID, tenantID, actions.ActionDelete, nil)
	s.logger.Info("Tenant deleted", zap.String("tenant_id", tenantID))
	return accepted(tenantID, actions.ActionDelete), nil
}

func accepted(tenantID, operation string) *v1.OperationAccepted {
	return &v1.OperationAccepted{TenantID: tenantID, Operation: operation, Accepted: true}
}
