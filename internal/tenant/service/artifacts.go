package service

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/tenant/models"
	v1 "github.com/nexushq/nexus/pkg/api/v1"
)

var artifactNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// maxArtifactLen caps prompt and skill bodies. Artifacts ride inside
// apply_config requests, so a runaway body would blow the dispatch, not
// just the row.
const maxArtifactLen = 1 << 20

func validateArtifactName(name string) error {
	if !artifactNamePattern.MatchString(name) {
		return &ConfigKeyError{Key: name, Reason: "invalid artifact name"}
	}
	return nil
}

// ListPrompts returns the active revision of every prompt, ordered by name.
func (s *Service) ListPrompts(ctx context.Context, tenantID string) ([]v1.Prompt, error) {
	rows, err := s.store.ActiveArtifacts(ctx, tenantID, models.ArtifactPrompt)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Prompt, 0, len(rows))
	for _, r := range rows {
		out = append(out, v1.Prompt{Name: r.Name, Revision: r.Revision, Content: r.Content})
	}
	return out, nil
}

// GetPrompt returns one active prompt revision.
func (s *Service) GetPrompt(ctx context.Context, tenantID, name string) (*v1.Prompt, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}
	r, err := s.store.ActiveArtifact(ctx, tenantID, models.ArtifactPrompt, name)
	if err != nil {
		return nil, err
	}
	return &v1.Prompt{Name: r.Name, Revision: r.Revision, Content: r.Content}, nil
}

// PutPrompt stores the next revision of a prompt and pushes the full
// artifact set to the worker.
func (s *Service) PutPrompt(ctx context.Context, userID, tenantID, name, content string) (*v1.Prompt, error) {
	rev, err := s.putArtifact(ctx, userID, tenantID, models.ArtifactPrompt, name, content)
	if err != nil {
		return nil, err
	}
	return &v1.Prompt{Name: rev.Name, Revision: rev.Revision, Content: rev.Content}, nil
}

// ListSkills returns the active revision of every skill, ordered by id.
func (s *Service) ListSkills(ctx context.Context, tenantID string) ([]v1.Skill, error) {
	rows, err := s.store.ActiveArtifacts(ctx, tenantID, models.ArtifactSkill)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Skill, 0, len(rows))
	for _, r := range rows {
		out = append(out, v1.Skill{SkillID: r.Name, Revision: r.Revision, Content: r.Content})
	}
	return out, nil
}

// GetSkill returns one active skill revision.
func (s *Service) GetSkill(ctx context.Context, tenantID, skillID string) (*v1.Skill, error) {
	if err := validateArtifactName(skillID); err != nil {
		return nil, err
	}
	r, err := s.store.ActiveArtifact(ctx, tenantID, models.ArtifactSkill, skillID)
	if err != nil {
		return nil, err
	}
	return &v1.Skill{SkillID: r.Name, Revision: r.Revision, Content: r.Content}, nil
}

// PutSkill stores the next revision of a skill and pushes the full artifact
// set to the worker.
func (s *Service) PutSkill(ctx context.Context, userID, tenantID, skillID, content string) (*v1.Skill, error) {
	rev, err := s.putArtifact(ctx, userID, tenantID, models.ArtifactSkill, skillID, content)
	if err != nil {
		return nil, err
	}
	return &v1.Skill{SkillID: rev.Name, Revision: rev.Revision, Content: rev.Content}, nil
}

func (s *Service) putArtifact(ctx context.Context, userID, tenantID, kind, name, content string) (*models.ArtifactRevision, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, &ConfigKeyError{Key: name, Reason: "content must not be empty"}
	}
	if len(content) > maxArtifactLen {
		return nil, &ConfigKeyError{Key: name, Reason: "content exceeds 1 MiB"}
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

	rev, err := s.store.PutArtifact(ctx, tenantID, kind, name, content)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, userID, tenantID, kind+".put", map[string]any{
		"name":     name,
		"revision": rev.Revision,
	})
	s.logger.Info("Artifact revision stored",
		zap.String("tenant_id", tenantID),
		zap.String("kind", kind),
		zap.String("name", name),
		zap.Int64("revision", rev.Revision))

	req, err := s.applyConfigRequest(ctx, t)
	if err != nil {
		return nil, err
	}
	if _, err := s.worker.ApplyConfig(ctx, tenantID, req); err != nil {
		s.recordDispatchError(ctx, tenantID, "apply_config", err)
		return nil, err
	}
	return rev, nil
}
