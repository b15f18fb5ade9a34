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

// RaceStore persists races. Race writes carry the optimistic version
// column: every UPDATE includes WHERE version = $n and increments it, so a
// concurrent control operation surfaces as domain.ErrRaceModified instead
// of a lost update.
type RaceStore struct {
	pool *pgxpool.Pool
}

// NewRaceStore creates a RaceStore backed by the given pool.
func NewRaceStore(pool *pgxpool.Pool) *RaceStore {
	return &RaceStore{pool: pool}
}

const raceColumns = `id, name, organizer_id, status, seed_id, seeds_released_at, started_at, version, created_at`

// GetRace loads one race. Returns domain.ErrNotFound for unknown ids.
func (s *RaceStore) GetRace(ctx context.Context, id uuid.UUID) (*domain.Race, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+raceColumns+` FROM races WHERE id = $1`, id)

	var r domain.Race
	err := row.Scan(&r.ID, &r.Name, &r.OrganizerID, &r.Status, &r.SeedID,
		&r.SeedsReleasedAt, &r.StartedAt, &r.Version, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get race: %w", err)
	}
	return &r, nil
}

// ListRunning returns the ids of all races currently in RUNNING state.
// Used on startup to rehydrate rooms and by the inactivity sweeper.
func (s *RaceStore) ListRunning(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM races WHERE status = $1`, domain.RaceStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running races: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan race id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateRace inserts a new race in SETUP state.
func (s *RaceStore) CreateRace(ctx context.Context, r *domain.Race) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO races (name, organizer_id, status, seed_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, version, created_at`,
		r.Name, r.OrganizerID, domain.RaceStatusSetup, r.SeedID,
	).Scan(&r.ID, &r.Version, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create race: %w", err)
	}
	r.Status = domain.RaceStatusSetup
	return nil
}

// UpdateRace persists the mutable race fields under the optimistic lock.
// On success the in-memory Version is advanced to match the row.
func (s *RaceStore) UpdateRace(ctx context.Context, r *domain.Race) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE races
		 SET status = $1, seed_id = $2, seeds_released_at = $3, started_at = $4,
		     version = version + 1
		 WHERE id = $5 AND version = $6`,
		r.Status, r.SeedID, r.SeedsReleasedAt, r.StartedAt, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("update race: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrRaceModified
	}
	r.Version++
	return nil
}
