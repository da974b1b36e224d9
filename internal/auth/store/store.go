// Package store persists user accounts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nexushq/nexus/internal/auth/models"
	"github.com/nexushq/nexus/internal/db"
)

var (
	// ErrUserNotFound is returned for unknown ids and emails.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned when signup hits the unique email index.
	ErrDuplicateEmail = errors.New("email already registered")
)

// Store provides user account storage over the shared pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates the user store and its schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize users schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	return err
}

// Create inserts a new user. The email must already be normalized.
func (s *Store) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetByEmail looks a user up by normalized email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`), email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetByID looks a user up by id.
func (s *Store) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE id = ?
	`), id).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// isUniqueViolation matches unique index errors from both sqlite
// ("UNIQUE constraint failed") and postgres (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
