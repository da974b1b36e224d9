// Package store persists tenants, config revisions, prompt and skill
// revisions, and the audit log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/tenant/models"
)

var (
	// ErrTenantNotFound is returned for unknown tenant ids.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantExists is returned when the owner already has a tenant.
	ErrTenantExists = errors.New("user already owns a tenant")
	// ErrConfigNotFound means the tenant has no active config revision.
	ErrConfigNotFound = errors.New("no active config revision")
	// ErrArtifactNotFound is returned for unknown prompt or skill names.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Store provides tenant persistence over the shared pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates the tenant store and its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize tenant schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL UNIQUE,
			desired_state TEXT NOT NULL,
			actual_state TEXT NOT NULL,
			image TEXT NOT NULL DEFAULT '',
			last_heartbeat TIMESTAMP,
			last_error TEXT,
			bootstrap_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config_revisions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			revision BIGINT NOT NULL,
			env_json TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, revision)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_config_revisions_active ON config_revisions(tenant_id, active)`,
		`CREATE TABLE IF NOT EXISTS artifact_revisions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('prompt', 'skill')),
			name TEXT NOT NULL,
			revision BIGINT NOT NULL,
			content TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, kind, name, revision)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifact_revisions_active ON artifact_revisions(tenant_id, kind, active)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_tenant ON audit_log(tenant_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateTenant inserts a new tenant row. The owner's unique index enforces
// one tenant per user.
func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tenants (id, owner_user_id, desired_state, actual_state, image, bootstrap_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.OwnerUserID, t.DesiredState, t.ActualState, t.Image, t.BootstrapVersion, t.CreatedAt, t.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrTenantExists
	}
	return err
}

const tenantColumns = `id, owner_user_id, desired_state, actual_state, image, last_heartbeat, last_error, bootstrap_version, created_at, updated_at`

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.ro.GetContext(ctx, &t, s.ro.Rebind(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenantByOwner loads the tenant owned by a user.
func (s *Store) GetTenantByOwner(ctx context.Context, userID string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.ro.GetContext(ctx, &t, s.ro.Rebind(`SELECT `+tenantColumns+` FROM tenants WHERE owner_user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateDesiredState records the control plane's intent for a tenant.
func (s *Store) UpdateDesiredState(ctx context.Context, id, state string) error {
	return s.updateTenant(ctx, id, `desired_state = ?`, state)
}

// UpdateActualState applies an observed worker state. The heartbeat is the
// observation time; lastError replaces the stored error (nil clears it).
// Deleted tenants are skipped so a straggling event cannot resurrect one.
func (s *Store) UpdateActualState(ctx context.Context, id, state string, heartbeat time.Time, lastError *string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tenants SET actual_state = ?, last_heartbeat = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND desired_state <> 'deleted'
	`), state, heartbeat, lastError, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// UpdateLastError sets or clears the stored error without touching states.
func (s *Store) UpdateLastError(ctx context.Context, id string, lastError *string) error {
	return s.updateTenant(ctx, id, `last_error = ?`, lastError)
}

// SetImage records the image reference used for the tenant's runtime.
func (s *Store) SetImage(ctx context.Context, id, image string) error {
	return s.updateTenant(ctx, id, `image = ?`, image)
}

// SetBootstrapVersion marks the default prompt/skill set version applied to
// the tenant.
func (s *Store) SetBootstrapVersion(ctx context.Context, id string, version int) error {
	return s.updateTenant(ctx, id, `bootstrap_version = ?`, version)
}

// MarkDeleted moves both states to the terminal deleted value.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	return s.updateTenant(ctx, id, `desired_state = ?, actual_state = ?`, "deleted", "deleted")
}

func (s *Store) updateTenant(ctx context.Context, id, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE tenants SET %s, updated_at = ? WHERE id = ?`, set)
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value")
}
