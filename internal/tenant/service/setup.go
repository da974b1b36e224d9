package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/tenant/models"
	"github.com/nexushq/nexus/internal/tenant/store"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

// envKeyPattern is the allowed shape for config env keys.
var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const maxEnvValueLen = 8192

// OpenRouterKeyEnv is the model provider credential required before the
// runtime can start or pair.
const OpenRouterKeyEnv = "NEXUS_OPENROUTER_API_KEY"

// defaultEnv is the platform baseline for a fresh tenant. Paths are inside
// the runtime container.
func defaultEnv() map[string]string {
	return map[string]string{
		"NEXUS_CLI_ENABLED": "false",
		"NEXUS_CONFIG_DIR":  "/data/config",
		"NEXUS_DATA_DIR":    "/data/state",
		"NEXUS_PROMPTS_DIR": "/data/config/prompts",
		"NEXUS_SKILLS_DIR":  "/data/config/skills",
	}
}

// newTenantID returns a 16 character lowercase hex id.
func newTenantID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateEnvKey(key string) error {
	if !envKeyPattern.MatchString(key) {
		return &ConfigKeyError{Key: key, Reason: "must match [A-Za-z_][A-Za-z0-9_]*"}
	}
	return nil
}

func validateEnvPairs(env map[string]string) error {
	for key, value := range env {
		if err := validateEnvKey(key); err != nil {
			return err
		}
		if len(value) > maxEnvValueLen {
			return &ConfigKeyError{Key: key, Reason: "value too large"}
		}
	}
	return nil
}

// Setup creates the caller's tenant: a fresh id, the default env merged
// with the caller's initial config as revision 1, and a synchronous
// provision dispatch. A second setup reports the existing tenant id.
func (s *Service) Setup(ctx context.Context, userID string, initial map[string]string) (*models.Tenant, error) {
	if existing, err := s.store.GetTenantByOwner(ctx, userID); err == nil {
		return nil, &TenantExistsError{TenantID: existing.ID}
	} else if !errors.Is(err, store.ErrTenantNotFound) {
		return nil, err
	}

	if err := validateEnvPairs(initial); err != nil {
		return nil, err
	}

	env := defaultEnv()
	for key, value := range initial {
		env[key] = value
	}

	id, err := newTenantID()
	if err != nil {
		return nil, err
	}
	tenant := &models.Tenant{
		ID:           id,
		OwnerUserID:  userID,
		DesiredState: string(v1.TenantStateProvisioning),
		ActualState:  string(v1.TenantStateProvisioning),
	}
	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		if errors.Is(err, store.ErrTenantExists) {
			// Lost a setup race; report the winner's id.
			if existing, gerr := s.store.GetTenantByOwner(ctx, userID); gerr == nil {
				return nil, &TenantExistsError{TenantID: existing.ID}
			}
		}
		return nil, err
	}

	sealed, err := s.cipher.EncryptEnv(env)
	if err != nil {
		return nil, err
	}
	envJSON, err := json.Marshal(sealed)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.InsertConfigRevision(ctx, id, string(envJSON)); err != nil {
		return nil, err
	}

	s.audit(ctx, userID, id, "setup", map[string]any{"revision": 1})
	s.logger.Info("Tenant created",
		zap.String("tenant_id", id), zap.String("user_id", userID))

	if _, err := s.worker.Provision(ctx, id, v1.ProvisionRequest{Env: env}); err != nil {
		// The tenant and its config are durable; a later start or restart
		// re-materializes worker state.
		s.recordDispatchError(ctx, id, "provision", err)
		s.audit(ctx, userID, id, "provision.failed", nil)
		return nil, err
	}
	s.audit(ctx, userID, id, "provision", nil)

	return tenant, nil
}
