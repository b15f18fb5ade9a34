package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liverace/liverace/server/internal/domain"
)

// ParticipantStore persists participants. Writes are last-writer-wins: a
// participant row is owned by exactly one race room, which serializes all
// mutations, so no version column is needed.
type ParticipantStore struct {
	pool *pgxpool.Pool
}

// NewParticipantStore creates a ParticipantStore backed by the given pool.
func NewParticipantStore(pool *pgxpool.Pool) *ParticipantStore {
	return &ParticipantStore{pool: pool}
}

const participantColumns = `id, race_id, user_id, mod_token_hash, status, current_zone,
	current_layer, igt_ms, death_count, zone_history, last_igt_change_at,
	finished_at, color_index, created_at`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var (
		p       domain.Participant
		history []byte
	)
	err := row.Scan(&p.ID, &p.RaceID, &p.UserID, &p.ModToken, &p.Status,
		&p.CurrentZone, &p.CurrentLayer, &p.IGTMs, &p.DeathCount, &history,
		&p.LastIGTChangeAt, &p.FinishedAt, &p.ColorIndex, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.ZoneHistory); err != nil {
			return nil, fmt.Errorf("decode zone history: %w", err)
		}
	}
	return &p, nil
}

// CreateParticipant registers a user into a race. The caller supplies the
// mod token hash and color index; the (race, user) caster exclusion is
// checked inside the same transaction.
func (s *ParticipantStore) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var casting bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM casters WHERE race_id = $1 AND user_id = $2)`,
		p.RaceID, p.UserID).Scan(&casting)
	if err != nil {
		return fmt.Errorf("check caster exclusion: %w", err)
	}
	if casting {
		return domain.ErrCasterConflict
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO participants (race_id, user_id, mod_token_hash, status, color_index)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.RaceID, p.UserID, p.ModToken, domain.ParticipantRegistered, p.ColorIndex,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create participant: %w", err)
	}
	p.Status = domain.ParticipantRegistered

	return tx.Commit(ctx)
}

// GetByTokenHash resolves a mod token hash to its participant.
func (s *ParticipantStore) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE mod_token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get participant by token: %w", err)
	}
	return p, nil
}

// GetParticipant loads one participant by id.
func (s *ParticipantStore) GetParticipant(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// ListByRace returns a race's participants in registration order.
func (s *ParticipantStore) ListByRace(ctx context.Context, raceID uuid.UUID) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE race_id = $1 ORDER BY created_at, id`,
		raceID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var result []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// CountByRace returns how many participants a race has. Used to assign the
// next color index at registration.
func (s *ParticipantStore) CountByRace(ctx context.Context, raceID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM participants WHERE race_id = $1`, raceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

// UpdateParticipant persists all mutable gameplay fields.
func (s *ParticipantStore) UpdateParticipant(ctx context.Context, p *domain.Participant) error {
	history, err := json.Marshal(p.ZoneHistory)
	if err != nil {
		return fmt.Errorf("encode zone history: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE participants
		 SET status = $1, current_zone = $2, current_layer = $3, igt_ms = $4,
		     death_count = $5, zone_history = $6, last_igt_change_at = $7,
		     finished_at = $8
		 WHERE id = $9`,
		p.Status, p.CurrentZone, p.CurrentLayer, p.IGTMs,
		p.DeathCount, history, p.LastIGTChangeAt, p.FinishedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	return nil
}

// ListInactive returns PLAYING participants of RUNNING races whose
// last_igt_change_at is set and older than the cutoff. Participants that
// never advanced their IGT are never returned.
func (s *ParticipantStore) ListInactive(ctx context.Context, cutoff time.Time) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+qualify(participantColumns, "p")+`
		 FROM participants p
		 JOIN races r ON r.id = p.race_id
		 WHERE r.status = $1 AND p.status = $2
		   AND p.last_igt_change_at IS NOT NULL AND p.last_igt_change_at < $3`,
		domain.RaceStatusRunning, domain.ParticipantPlaying, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list inactive participants: %w", err)
	}
	defer rows.Close()

	var result []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inactive participant: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}
