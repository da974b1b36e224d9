package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexushq/nexus/internal/tenant/models"
)

// AppendAudit records a mutating tenant action.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (id, user_id, tenant_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.UserID, entry.TenantID, entry.Action, entry.Detail, entry.CreatedAt)
	return err
}

// ListAudit returns the most recent audit entries for a tenant, newest
// first.
func (s *Store) ListAudit(ctx context.Context, tenantID string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ro.QueryxContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, tenant_id, action, detail, created_at FROM audit_log
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.StructScan(&e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
