package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/liverace/liverace/server/internal/api"
	"github.com/liverace/liverace/server/internal/auth"
	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/protocol"
	"github.com/liverace/liverace/server/internal/room"
)

// memRaceStore is an in-memory race store for tests.
type memRaceStore struct {
	mu    sync.Mutex
	races map[uuid.UUID]*domain.Race
}

func newMemRaceStore() *memRaceStore {
	return &memRaceStore{races: make(map[uuid.UUID]*domain.Race)}
}

func (m *memRaceStore) GetRace(_ context.Context, id uuid.UUID) (*domain.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRaceStore) CreateRace(_ context.Context, r *domain.Race) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.Status = domain.RaceStatusSetup
	r.Version = 1
	r.CreatedAt = time.Now().UTC()
	cp := *r
	m.races[r.ID] = &cp
	return nil
}

func (m *memRaceStore) UpdateRace(_ context.Context, r *domain.Race) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.races[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != r.Version {
		return domain.ErrRaceModified
	}
	r.Version++
	cp := *r
	m.races[r.ID] = &cp
	return nil
}

func (m *memRaceStore) put(r *domain.Race) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Version == 0 {
		r.Version = 1
	}
	cp := *r
	m.races[r.ID] = &cp
}

// memParticipantStore is an in-memory participant store for tests.
type memParticipantStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID]*domain.Participant
	casters      *memCasterStore
}

func newMemParticipantStore() *memParticipantStore {
	return &memParticipantStore{participants: make(map[uuid.UUID]*domain.Participant)}
}

func (m *memParticipantStore) CreateParticipant(_ context.Context, p *domain.Participant) error {
	if m.casters != nil && m.casters.isCaster(p.RaceID, p.UserID) {
		return domain.ErrCasterConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.Status = domain.ParticipantRegistered
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *memParticipantStore) GetParticipant(_ context.Context, id uuid.UUID) (*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memParticipantStore) ListByRace(_ context.Context, raceID uuid.UUID) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.participants {
		if p.RaceID == raceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memParticipantStore) CountByRace(ctx context.Context, raceID uuid.UUID) (int, error) {
	ps, _ := m.ListByRace(ctx, raceID)
	return len(ps), nil
}

func (m *memParticipantStore) UpdateParticipant(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[p.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *memParticipantStore) put(p *domain.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	m.participants[p.ID] = &cp
}

// memSeedStore is an in-memory seed store for tests. Unassigned seeds sit
// in per-pool queues consumed by PickUnassigned.
type memSeedStore struct {
	mu         sync.Mutex
	seeds      map[uuid.UUID]*domain.Seed
	unassigned map[string][]uuid.UUID
}

func newMemSeedStore() *memSeedStore {
	return &memSeedStore{
		seeds:      make(map[uuid.UUID]*domain.Seed),
		unassigned: make(map[string][]uuid.UUID),
	}
}

func (m *memSeedStore) GetSeed(_ context.Context, id uuid.UUID) (*domain.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seeds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSeedStore) CreateSeed(_ context.Context, s *domain.Seed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	s.BuildIndex()
	m.seeds[s.ID] = s
	m.unassigned[s.PoolName] = append(m.unassigned[s.PoolName], s.ID)
	return nil
}

func (m *memSeedStore) PickUnassigned(_ context.Context, poolName string) (*domain.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.unassigned[poolName]
	if len(queue) == 0 {
		return nil, domain.ErrSeedUnavailable
	}
	id := queue[0]
	m.unassigned[poolName] = queue[1:]
	return m.seeds[id], nil
}

// markAssigned removes a seed from its pool's unassigned queue.
func (m *memSeedStore) markAssigned(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pool, queue := range m.unassigned {
		for i, qid := range queue {
			if qid == id {
				m.unassigned[pool] = append(queue[:i], queue[i+1:]...)
				return
			}
		}
	}
}

// memUserStore is an in-memory user store for tests.
type memUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]domain.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[uuid.UUID]domain.User)}
}

func (m *memUserStore) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (m *memUserStore) GetUsers(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *memUserStore) put(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// memCasterStore is an in-memory caster store for tests.
type memCasterStore struct {
	mu           sync.Mutex
	byRace       map[uuid.UUID][]uuid.UUID
	participants *memParticipantStore
}

func newMemCasterStore() *memCasterStore {
	return &memCasterStore{byRace: make(map[uuid.UUID][]uuid.UUID)}
}

func (m *memCasterStore) AddCaster(ctx context.Context, raceID, userID uuid.UUID) error {
	if m.participants != nil {
		ps, _ := m.participants.ListByRace(ctx, raceID)
		for _, p := range ps {
			if p.UserID == userID {
				return domain.ErrCasterConflict
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byRace[raceID] {
		if id == userID {
			return nil
		}
	}
	m.byRace[raceID] = append(m.byRace[raceID], userID)
	return nil
}

func (m *memCasterStore) RemoveCaster(_ context.Context, raceID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byRace[raceID]
	for i, id := range ids {
		if id == userID {
			m.byRace[raceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memCasterStore) ListCasters(_ context.Context, raceID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, len(m.byRace[raceID]))
	copy(out, m.byRace[raceID])
	return out, nil
}

func (m *memCasterStore) isCaster(raceID, userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byRace[raceID] {
		if id == userID {
			return true
		}
	}
	return false
}

// memTrainingStore is an in-memory training store for tests.
type memTrainingStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.TrainingSession
	ghosts   []domain.GhostRun
}

func newMemTrainingStore() *memTrainingStore {
	return &memTrainingStore{sessions: make(map[uuid.UUID]*domain.TrainingSession)}
}

func (m *memTrainingStore) CreateSession(_ context.Context, t *domain.TrainingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	t.Status = domain.TrainingActive
	t.CreatedAt = time.Now().UTC()
	cp := *t
	m.sessions[t.ID] = &cp
	return nil
}

func (m *memTrainingStore) GetSession(_ context.Context, id uuid.UUID) (*domain.TrainingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memTrainingStore) ListGhosts(_ context.Context, _, _ uuid.UUID) ([]domain.GhostRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ghosts, nil
}

// memPackStore is an in-memory seed pack store for tests.
type memPackStore struct {
	mu     sync.Mutex
	exists map[uuid.UUID]bool
}

func newMemPackStore() *memPackStore {
	return &memPackStore{exists: make(map[uuid.UUID]bool)}
}

func (m *memPackStore) PackExists(_ context.Context, seedID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists[seedID], nil
}

func (m *memPackStore) DownloadURL(_ context.Context, seedID uuid.UUID) (string, error) {
	return "https://packs.example.com/" + seedID.String() + ".zip", nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(uuid.UUID, hub.Audience, protocol.ServerFrame)   {}
func (nopBroadcaster) SendToMod(uuid.UUID, uuid.UUID, protocol.ServerFrame) bool { return false }
func (nopBroadcaster) CloseMod(uuid.UUID, uuid.UUID)                             {}
func (nopBroadcaster) ModLive(uuid.UUID, uuid.UUID) bool                         { return false }

// apiFixture wires the full handler stack over in-memory stores with a
// live room registry.
type apiFixture struct {
	router       http.Handler
	races        *memRaceStore
	participants *memParticipantStore
	seeds        *memSeedStore
	users        *memUserStore
	casters      *memCasterStore
	training     *memTrainingStore
	packs        *memPackStore
	registry     *room.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	races := newMemRaceStore()
	participants := newMemParticipantStore()
	seeds := newMemSeedStore()
	users := newMemUserStore()
	casters := newMemCasterStore()
	participants.casters = casters
	casters.participants = participants
	training := newMemTrainingStore()
	packs := newMemPackStore()

	cfg := &config.Config{
		PingInterval:        time.Hour,
		CoalesceInterval:    time.Hour,
		AuthTimeout:         time.Second,
		StoreTimeout:        time.Second,
		InactivityThreshold: 5 * time.Minute,
		SweepSchedule:       "@every 1m",
		SendQueueDepth:      8,
		MaxMissedPongs:      2,
	}
	registry := room.NewRegistry(context.Background(), cfg, room.Stores{
		Races:        races,
		Participants: participants,
		Seeds:        seeds,
		Users:        users,
		Casters:      casters,
	}, nopBroadcaster{})
	t.Cleanup(registry.StopAll)

	srv := &api.Server{
		Races:        races,
		Participants: participants,
		Seeds:        seeds,
		Users:        users,
		Casters:      casters,
		Training:     training,
		Packs:        packs,
		Rooms:        registry,
		Identity:     auth.Identity(),
	}

	return &apiFixture{
		router:       api.NewRouter(srv),
		races:        races,
		participants: participants,
		seeds:        seeds,
		users:        users,
		casters:      casters,
		training:     training,
		packs:        packs,
		registry:     registry,
	}
}

// do performs a request against the router, optionally authenticated.
func (f *apiFixture) do(t *testing.T, method, path string, userID uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != uuid.Nil {
		req.Header.Set("X-User-ID", userID.String())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// addUser registers a user identity and returns its id.
func (f *apiFixture) addUser(login string) uuid.UUID {
	id := uuid.New()
	f.users.put(domain.User{ID: id, Login: login, DisplayName: login})
	return id
}

// addSeed inserts an unassigned seed into a pool.
func (f *apiFixture) addSeed(t *testing.T, pool string) *domain.Seed {
	t.Helper()
	s := &domain.Seed{
		PoolName:    pool,
		TotalLayers: 3,
		Nodes: []domain.SeedNode{
			{ID: "surface", Tier: 0},
			{ID: "l1-a", Tier: 1},
			{ID: "l2-a", Tier: 2},
			{ID: "l3-a", Tier: 3},
		},
	}
	require.NoError(t, f.seeds.CreateSeed(context.Background(), s))
	return s
}

// addRace inserts a race directly into the store.
func (f *apiFixture) addRace(organizerID uuid.UUID, status domain.RaceStatus, seedID *uuid.UUID, released bool) *domain.Race {
	race := &domain.Race{
		ID:          uuid.New(),
		Name:        "test race",
		OrganizerID: organizerID,
		Status:      status,
		SeedID:      seedID,
		CreatedAt:   time.Now().UTC(),
	}
	if seedID != nil {
		f.seeds.markAssigned(*seedID)
	}
	if released {
		ts := time.Now().UTC().Add(-time.Minute)
		race.SeedsReleasedAt = &ts
	}
	if status == domain.RaceStatusRunning {
		ts := time.Now().UTC()
		race.StartedAt = &ts
	}
	f.races.put(race)
	return race
}
