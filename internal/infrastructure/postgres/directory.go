package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cesfam/portal/internal/identity"
)

// Directory reads rut_index and credentials
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a directory backed by pool
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// LookupEmail returns the email registered for rut
func (d *Directory) LookupEmail(ctx context.Context, rut string) (string, error) {
	var email string
	err := d.pool.QueryRow(ctx, `SELECT email FROM rut_index WHERE rut = $1`, rut).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", identity.ErrNotFound
		}
		return "", fmt.Errorf("lookup email: %w", err)
	}
	return email, nil
}

// PasswordHash returns the owner RUT and bcrypt hash for email
func (d *Directory) PasswordHash(ctx context.Context, email string) (string, string, error) {
	var rut, hash string
	err := d.pool.QueryRow(ctx, `
		SELECT rut, password_hash FROM credentials WHERE email = $1
	`, email).Scan(&rut, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", identity.ErrNotFound
		}
		return "", "", fmt.Errorf("load credentials: %w", err)
	}
	return rut, hash, nil
}
