// Package store persists the append-only event log backing the stream
// gateway and the tenant status projection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexushq/nexus/internal/common/tracing"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/events"
)

// Store provides append and replay access to the event log. Writes must go
// through the event manager, which serializes event_id issuance.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates the event log store and its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		event_id BIGINT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_tenant_event ON events(tenant_id, event_id)`)
	return err
}

// Append inserts an envelope with an already-assigned event_id. The id must
// come from the manager's sequence; concurrent appends with the same id fail
// on the primary key.
func (s *Store) Append(ctx context.Context, e *events.Envelope) error {
	if e.EventID <= 0 {
		return fmt.Errorf("event_id must be assigned before append")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO events (event_id, tenant_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), e.EventID, e.TenantID, e.Type, string(payload), e.CreatedAt)
	return err
}

// MaxEventID returns the highest assigned event_id, or zero on an empty log.
// The manager seeds its sequence from this at startup.
func (s *Store) MaxEventID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(event_id) FROM events`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// LatestTenantID returns the highest event_id recorded for a tenant, or zero.
// Used as the staleness baseline when a pairing run starts.
func (s *Store) LatestTenantID(ctx context.Context, tenantID string) (int64, error) {
	var max sql.NullInt64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT MAX(event_id) FROM events WHERE tenant_id = ?
	`), tenantID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// ListAfter returns up to limit events for a tenant with event_id > afterID,
// ascending. An empty types slice means all types.
func (s *Store) ListAfter(ctx context.Context, tenantID string, afterID int64, limit int, types []string) ([]*events.Envelope, error) {
	ctx, span := tracing.Tracer("nexus-db").Start(ctx, "db.ListEventsAfter")
	defer span.End()

	query := `
		SELECT event_id, tenant_id, type, payload, created_at
		FROM events
		WHERE tenant_id = ? AND event_id > ?`
	args := []interface{}{tenantID, afterID}

	if len(types) > 0 {
		inQuery, inArgs, err := sqlx.In(` AND type IN (?)`, types)
		if err != nil {
			return nil, err
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	query += ` ORDER BY event_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEnvelopes(rows)
}

// ListRecent returns the last limit events for a tenant in ascending order.
// An empty types slice means all types.
func (s *Store) ListRecent(ctx context.Context, tenantID string, limit int, types []string) ([]*events.Envelope, error) {
	query := `
		SELECT event_id, tenant_id, type, payload, created_at
		FROM events
		WHERE tenant_id = ?`
	args := []interface{}{tenantID}

	if len(types) > 0 {
		inQuery, inArgs, err := sqlx.In(` AND type IN (?)`, types)
		if err != nil {
			return nil, err
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	query += ` ORDER BY event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	list, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}
	// Flip from newest-first to the ascending delivery order
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func scanEnvelopes(rows *sql.Rows) ([]*events.Envelope, error) {
	var list []*events.Envelope
	for rows.Next() {
		e := &events.Envelope{}
		var payload string
		if err := rows.Scan(&e.EventID, &e.TenantID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}
