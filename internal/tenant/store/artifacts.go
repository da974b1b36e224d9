package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/tenant/models"
)

const artifactColumns = `id, tenant_id, kind, name, revision, content, active, created_at`

// ActiveArtifacts lists the active revisions of a kind, ordered by name.
func (s *Store) ActiveArtifacts(ctx context.Context, tenantID, kind string) ([]*models.ArtifactRevision, error) {
	rows, err := s.ro.QueryxContext(ctx, s.ro.Rebind(`
		SELECT `+artifactColumns+` FROM artifact_revisions
		WHERE tenant_id = ? AND kind = ? AND active = 1
		ORDER BY name ASC
	`), tenantID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.ArtifactRevision
	for rows.Next() {
		var a models.ArtifactRevision
		if err := rows.StructScan(&a); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// ActiveArtifact returns the active revision of one prompt or skill.
func (s *Store) ActiveArtifact(ctx context.Context, tenantID, kind, name string) (*models.ArtifactRevision, error) {
	var a models.ArtifactRevision
	err := s.ro.GetContext(ctx, &a, s.ro.Rebind(`
		SELECT `+artifactColumns+` FROM artifact_revisions
		WHERE tenant_id = ? AND kind = ? AND name = ? AND active = 1
	`), tenantID, kind, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PutArtifact writes the next revision of a prompt or skill and deactivates
// the prior one in the same transaction. Old revisions are retained.
func (s *Store) PutArtifact(ctx context.Context, tenantID, kind, name, content string) (*models.ArtifactRevision, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE artifact_revisions SET active = 0
		WHERE tenant_id = ? AND kind = ? AND name = ? AND active = 1
	`), tenantID, kind, name); err != nil {
		return nil, err
	}

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT MAX(revision) FROM artifact_revisions
		WHERE tenant_id = ? AND kind = ? AND name = ?
	`), tenantID, kind, name).Scan(&max); err != nil {
		return nil, err
	}

	a := &models.ArtifactRevision{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Kind:      kind,
		Name:      name,
		Revision:  max.Int64 + 1,
		Content:   content,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO artifact_revisions (id, tenant_id, kind, name, revision, content, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`), a.ID, a.TenantID, a.Kind, a.Name, a.Revision, a.Content, a.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}
