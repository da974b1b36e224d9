// Package models defines account storage types.
package models

import "time"

// User is an account row. PasswordHash never leaves this package's
// consumers; the API view lives in pkg/api/v1.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
