package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liverace/liverace/server/internal/domain"
)

// CasterStore persists the privileged broadcast viewers of a race.
// For any (race, user) at most one of {participant, caster} may exist; the
// exclusion is checked transactionally on both insert paths.
type CasterStore struct {
	pool *pgxpool.Pool
}

// NewCasterStore creates a CasterStore backed by the given pool.
func NewCasterStore(pool *pgxpool.Pool) *CasterStore {
	return &CasterStore{pool: pool}
}

// AddCaster adds a caster to a race, rejecting users who are already
// participants of the same race.
func (s *CasterStore) AddCaster(ctx context.Context, raceID, userID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cast-join tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var racing bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE race_id = $1 AND user_id = $2)`,
		raceID, userID).Scan(&racing)
	if err != nil {
		return fmt.Errorf("check participant exclusion: %w", err)
	}
	if racing {
		return domain.ErrCasterConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO casters (race_id, user_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		raceID, userID)
	if err != nil {
		return fmt.Errorf("add caster: %w", err)
	}

	return tx.Commit(ctx)
}

// RemoveCaster removes a caster from a race. No-op if absent.
func (s *CasterStore) RemoveCaster(ctx context.Context, raceID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM casters WHERE race_id = $1 AND user_id = $2`, raceID, userID)
	if err != nil {
		return fmt.Errorf("remove caster: %w", err)
	}
	return nil
}

// ListCasters returns the user ids casting a race.
func (s *CasterStore) ListCasters(ctx context.Context, raceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM casters WHERE race_id = $1 ORDER BY created_at`, raceID)
	if err != nil {
		return nil, fmt.Errorf("list casters: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan caster: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
