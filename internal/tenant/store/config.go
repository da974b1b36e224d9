package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/common/tracing"
	"github.com/nexushq/nexus/internal/tenant/models"
)

const configColumns = `id, tenant_id, revision, env_json, active, created_at`

// ActiveConfig returns the tenant's single active config revision.
func (s *Store) ActiveConfig(ctx context.Context, tenantID string) (*models.ConfigRevision, error) {
	ctx, span := tracing.Tracer("nexus-db").Start(ctx, "db.ActiveConfig")
	defer span.End()

	var rev models.ConfigRevision
	err := s.ro.GetContext(ctx, &rev, s.ro.Rebind(`
		SELECT `+configColumns+` FROM config_revisions
		WHERE tenant_id = ? AND active = 1
	`), tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

// InsertConfigRevision writes a new active revision, deactivating the prior
// one in the same transaction. The revision number is the previous max plus
// one; the unique index turns a lost race into an error instead of a fork.
func (s *Store) InsertConfigRevision(ctx context.Context, tenantID, envJSON string) (*models.ConfigRevision, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE config_revisions SET active = 0 WHERE tenant_id = ? AND active = 1
	`), tenantID); err != nil {
		return nil, err
	}

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT MAX(revision) FROM config_revisions WHERE tenant_id = ?
	`), tenantID).Scan(&max); err != nil {
		return nil, err
	}

	rev := &models.ConfigRevision{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Revision:  max.Int64 + 1,
		EnvJSON:   envJSON,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO config_revisions (id, tenant_id, revision, env_json, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`), rev.ID, rev.TenantID, rev.Revision, rev.EnvJSON, rev.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rev, nil
}
