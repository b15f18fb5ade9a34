package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liverace/liverace/server/internal/domain"
)

// TrainingStore persists solo training sessions and serves the ghost
// aggregation query. Sessions share the participant write discipline:
// last-writer-wins, owned by a single in-process runtime.
type TrainingStore struct {
	pool *pgxpool.Pool
}

// NewTrainingStore creates a TrainingStore backed by the given pool.
func NewTrainingStore(pool *pgxpool.Pool) *TrainingStore {
	return &TrainingStore{pool: pool}
}

const trainingColumns = `id, user_id, seed_id, mod_token_hash, status, current_zone,
	current_layer, igt_ms, death_count, progress_nodes, last_igt_change_at,
	finished_at, created_at`

func scanTraining(row pgx.Row) (*domain.TrainingSession, error) {
	var (
		t        domain.TrainingSession
		progress []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &t.SeedID, &t.ModToken, &t.Status,
		&t.CurrentZone, &t.CurrentLayer, &t.IGTMs, &t.DeathCount, &progress,
		&t.LastIGTChangeAt, &t.FinishedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &t.ProgressNodes); err != nil {
			return nil, fmt.Errorf("decode progress nodes: %w", err)
		}
	}
	return &t, nil
}

// CreateSession starts a training session. The caller supplies the mod
// token hash; the seed is referenced, never consumed from the pool.
func (s *TrainingStore) CreateSession(ctx context.Context, t *domain.TrainingSession) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO training_sessions (user_id, seed_id, mod_token_hash, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		t.UserID, t.SeedID, t.ModToken, domain.TrainingActive,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create training session: %w", err)
	}
	t.Status = domain.TrainingActive
	return nil
}

// GetSession loads one training session by id.
func (s *TrainingStore) GetSession(ctx context.Context, id uuid.UUID) (*domain.TrainingSession, error) {
	t, err := scanTraining(s.pool.QueryRow(ctx,
		`SELECT `+trainingColumns+` FROM training_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get training session: %w", err)
	}
	return t, nil
}

// GetByTokenHash resolves a mod token hash to its training session.
func (s *TrainingStore) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.TrainingSession, error) {
	t, err := scanTraining(s.pool.QueryRow(ctx,
		`SELECT `+trainingColumns+` FROM training_sessions WHERE mod_token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get training session by token: %w", err)
	}
	return t, nil
}

// UpdateSession persists all mutable gameplay fields.
func (s *TrainingStore) UpdateSession(ctx context.Context, t *domain.TrainingSession) error {
	progress, err := json.Marshal(t.ProgressNodes)
	if err != nil {
		return fmt.Errorf("encode progress nodes: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE training_sessions
		 SET status = $1, current_zone = $2, current_layer = $3, igt_ms = $4,
		     death_count = $5, progress_nodes = $6, last_igt_change_at = $7,
		     finished_at = $8
		 WHERE id = $9`,
		t.Status, t.CurrentZone, t.CurrentLayer, t.IGTMs,
		t.DeathCount, progress, t.LastIGTChangeAt, t.FinishedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update training session: %w", err)
	}
	return nil
}

// ListGhosts returns anonymized finished runs on the given seed, excluding
// the querying session itself, sorted by in-game time ascending. Sessions
// without recorded progress are skipped — there is nothing to replay.
func (s *TrainingStore) ListGhosts(ctx context.Context, seedID, excludeSessionID uuid.UUID) ([]domain.GhostRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT progress_nodes, igt_ms, death_count
		 FROM training_sessions
		 WHERE seed_id = $1 AND id <> $2 AND status = $3
		   AND progress_nodes IS NOT NULL
		 ORDER BY igt_ms`,
		seedID, excludeSessionID, domain.TrainingFinished)
	if err != nil {
		return nil, fmt.Errorf("list ghosts: %w", err)
	}
	defer rows.Close()

	var ghosts []domain.GhostRun
	for rows.Next() {
		var (
			g        domain.GhostRun
			progress []byte
		)
		if err := rows.Scan(&progress, &g.IGTMs, &g.DeathCount); err != nil {
			return nil, fmt.Errorf("scan ghost: %w", err)
		}
		if err := json.Unmarshal(progress, &g.ZoneHistory); err != nil {
			return nil, fmt.Errorf("decode ghost history: %w", err)
		}
		ghosts = append(ghosts, g)
	}
	if ghosts == nil {
		ghosts = []domain.GhostRun{}
	}
	return ghosts, rows.Err()
}
