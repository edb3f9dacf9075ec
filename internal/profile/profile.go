// Package profile reads user profiles owned by the accounts database. The
// role decides whether a user's results are archived.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/gas/pkg/models"
)

var ErrNotFound = errors.New("user profile not found")

type Lookup interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
}

// PostgresLookup implements Lookup against the accounts user_profiles table.
type PostgresLookup struct {
	pool *pgxpool.Pool
}

func NewPostgresLookup(pool *pgxpool.Pool) *PostgresLookup {
	return &PostgresLookup{pool: pool}
}

func (l *PostgresLookup) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := l.pool.QueryRow(ctx,
		`SELECT id, name, email, role FROM user_profiles WHERE id = $1`, userID,
	).Scan(&p.UserID, &p.Name, &p.Email, &p.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// SetRole updates a user's role. It backs the tier-upgrade endpoint in
// deployments where this service shares the accounts database.
func (l *PostgresLookup) SetRole(ctx context.Context, userID, role string) error {
	tag, err := l.pool.Exec(ctx, `UPDATE user_profiles SET role = $2 WHERE id = $1`, userID, role)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
