package service

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/events"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// GetConfig returns the active revision with sensitive values decrypted for
// the owner.
func (s *Service) GetConfig(ctx context.Context, tenantID string) (*v1.ConfigResponse, error) {
	env, revision, err := s.activeEnv(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &v1.ConfigResponse{TenantID: tenantID, Revision: revision, EnvJSON: env}, nil
}

// PatchConfig merges values into the active env, drops remove_keys, and
// persists the result as a new active revision. The config.applied event is
// appended after the commit; the apply dispatch to the worker follows and
// its failure surfaces to the caller while the revision stays active.
func (s *Service) PatchConfig(ctx context.Context, userID, tenantID string, req v1.PatchConfigRequest) (*v1.ConfigResponse, error) {
	if err := validateEnvPairs(req.Values); err != nil {
		return nil, err
	}
	for _, key := range req.RemoveKeys {
		if err := validateEnvKey(key); err != nil {
			return nil, err
		}
		if _, ok := req.Values[key]; ok {
			return nil, &DuplicateKeyError{Key: key}
		}
	}

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

	current, revision, err := s.activeEnv(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	next := maps.Clone(current)
	maps.Copy(next, req.Values)
	for _, key := range req.RemoveKeys {
		delete(next, key)
	}

	if maps.Equal(next, current) {
		return &v1.ConfigResponse{TenantID: tenantID, Revision: revision, EnvJSON: current}, nil
	}

	sealed, err := s.cipher.EncryptEnv(next)
	if err != nil {
		return nil, err
	}
	envJSON, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}
	rev, err := s.store.InsertConfigRevision(ctx, tenantID, string(envJSON))
	if err != nil {
		return nil, err
	}

	// The revision is durable; announce it. Subscribers seeing this event
	// may rely on the new revision being active.
	payload := events.MustMarshal(events.ConfigAppliedPayload{Revision: rev.Revision})
	if _, err := s.log.Append(ctx, tenantID, events.ConfigApplied, payload); err != nil {
		s.logger.Error("Failed to append config.applied event",
			zap.String("tenant_id", tenantID), zap.Int64("revision", rev.Revision), zap.Error(err))
	}

	s.audit(ctx, userID, tenantID, "config.patch", map[string]any{
		"revision": rev.Revision,
		"set":      sortedKeys(req.Values),
		"removed":  req.RemoveKeys,
	})

	apply, err := s.applyConfigRequest(ctx, t)
	if err != nil {
		return nil, err
	}
	if _, err := s.worker.ApplyConfig(ctx, tenantID, apply); err != nil {
		s.recordDispatchError(ctx, tenantID, "apply_config", err)
		return nil, err
	}

	return &v1.ConfigResponse{TenantID: tenantID, Revision: rev.Revision, EnvJSON: next}, nil
}

// hasOpenRouterKey reports whether the active env carries a nonempty model
// provider key.
func (s *Service) hasOpenRouterKey(ctx context.Context, tenantID string) (bool, error) {
	env, _, err := s.activeEnv(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return env[OpenRouterKeyEnv] != "", nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
