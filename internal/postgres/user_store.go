package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liverace/liverace/server/internal/domain"
)

// UserStore reads the identity slice the runtime needs. User records are
// written by the external identity service; the runtime only resolves ids
// to display data.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a UserStore backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// GetUser loads one user.
func (s *UserStore) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, login, display_name FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Login, &u.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUsers resolves a batch of user ids in a single query.
func (s *UserStore) GetUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.User, error) {
	result := make(map[uuid.UUID]domain.User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, login, display_name FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Login, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result[u.ID] = u
	}
	return result, rows.Err()
}
