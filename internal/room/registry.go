package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/cache"
	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/domain"
)

// Registry owns the live rooms, loading each race's room on first use and
// keeping it resident until shutdown. Seed graphs are immutable once
// attached, so they sit behind a TTL cache shared across rooms.
type Registry struct {
	cfg    *config.Config
	stores Stores
	bc     Broadcaster
	seeds  *cache.Cache[uuid.UUID, *domain.Seed]

	mu      sync.Mutex
	rooms   map[uuid.UUID]*Room
	baseCtx context.Context
}

// NewRegistry creates a Registry. baseCtx parents every room's tickers;
// canceling it stops them all.
func NewRegistry(baseCtx context.Context, cfg *config.Config, stores Stores, bc Broadcaster) *Registry {
	return &Registry{
		cfg:     cfg,
		stores:  stores,
		bc:      bc,
		seeds:   cache.New[uuid.UUID, *domain.Seed](cache.Options{}),
		rooms:   make(map[uuid.UUID]*Room),
		baseCtx: baseCtx,
	}
}

// Lookup returns the resident room for a race, if loaded.
func (g *Registry) Lookup(raceID uuid.UUID) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[raceID]
	return r, ok
}

// GetOrLoad returns the room for a race, loading its state from the
// stores on first use. Concurrent loads of the same race collapse to one
// room; the loser's copy is discarded.
func (g *Registry) GetOrLoad(ctx context.Context, raceID uuid.UUID) (*Room, error) {
	g.mu.Lock()
	if r, ok := g.rooms[raceID]; ok {
		g.mu.Unlock()
		return r, nil
	}
	g.mu.Unlock()

	race, err := g.stores.Races.GetRace(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("load race: %w", err)
	}

	var seed *domain.Seed
	if race.SeedID != nil {
		seed, err = g.loadSeed(ctx, *race.SeedID)
		if err != nil {
			return nil, err
		}
	}

	participants, err := g.stores.Participants.ListByRace(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		userIDs = append(userIDs, p.UserID)
	}
	users, err := g.stores.Users.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	casters, err := g.stores.Casters.ListCasters(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("load casters: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[raceID]; ok {
		return r, nil
	}
	r := newRoom(g.cfg, g.stores, g.bc, race, seed, participants, users, casters)
	r.Start(g.baseCtx)
	g.rooms[raceID] = r
	return r, nil
}

// loadSeed fetches a seed graph through the shared cache.
func (g *Registry) loadSeed(ctx context.Context, seedID uuid.UUID) (*domain.Seed, error) {
	if seed, ok := g.seeds.Get(seedID); ok {
		return seed, nil
	}
	seed, err := g.stores.Seeds.GetSeed(ctx, seedID)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	g.seeds.Set(seedID, seed)
	return seed, nil
}

// Seed exposes the shared seed cache lookup for callers outside the room
// lifecycle (training auth, ghost queries).
func (g *Registry) Seed(ctx context.Context, seedID uuid.UUID) (*domain.Seed, error) {
	return g.loadSeed(ctx, seedID)
}

// StopAll stops every resident room's tickers and empties the registry.
func (g *Registry) StopAll() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[uuid.UUID]*Room)
	g.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
}
