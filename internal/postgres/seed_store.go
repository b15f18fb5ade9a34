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

// SeedStore persists seeds. Seeds are immutable once created; the node
// graph is stored as JSONB and indexed in memory after load.
type SeedStore struct {
	pool *pgxpool.Pool
}

// NewSeedStore creates a SeedStore backed by the given pool.
func NewSeedStore(pool *pgxpool.Pool) *SeedStore {
	return &SeedStore{pool: pool}
}

// GetSeed loads one seed with its node graph.
func (s *SeedStore) GetSeed(ctx context.Context, id uuid.UUID) (*domain.Seed, error) {
	var (
		seed  domain.Seed
		nodes []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, pool_name, total_layers, nodes, graph_json, created_at
		 FROM seeds WHERE id = $1`, id,
	).Scan(&seed.ID, &seed.PoolName, &seed.TotalLayers, &nodes, &seed.GraphJSON, &seed.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get seed: %w", err)
	}
	if err := json.Unmarshal(nodes, &seed.Nodes); err != nil {
		return nil, fmt.Errorf("decode seed nodes: %w", err)
	}
	seed.BuildIndex()
	return &seed, nil
}

// CreateSeed inserts a pre-generated seed into a pool.
func (s *SeedStore) CreateSeed(ctx context.Context, seed *domain.Seed) error {
	nodes, err := json.Marshal(seed.Nodes)
	if err != nil {
		return fmt.Errorf("encode seed nodes: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO seeds (pool_name, total_layers, nodes, graph_json)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		seed.PoolName, seed.TotalLayers, nodes, seed.GraphJSON,
	).Scan(&seed.ID, &seed.CreatedAt)
	if err != nil {
		return fmt.Errorf("create seed: %w", err)
	}
	return nil
}

// PickUnassigned returns a seed from the pool that no race has consumed
// yet. Training sessions do not consume seeds, so only race bindings
// count. Returns domain.ErrSeedUnavailable when the pool is exhausted.
func (s *SeedStore) PickUnassigned(ctx context.Context, poolName string) (*domain.Seed, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT s.id FROM seeds s
		 WHERE s.pool_name = $1
		   AND NOT EXISTS (SELECT 1 FROM races r WHERE r.seed_id = s.id)
		 ORDER BY s.created_at
		 LIMIT 1`, poolName).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSeedUnavailable
		}
		return nil, fmt.Errorf("pick seed: %w", err)
	}
	return s.GetSeed(ctx, id)
}
