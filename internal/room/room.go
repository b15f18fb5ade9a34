// Package room implements the per-race actor that owns authoritative
// in-memory race state.
//
// Every mutation to a race — gameplay frames from mods, control operations
// from the HTTP layer, sweeper abandons — is serialized through the room's
// mutex, persisted through the stores, and only then broadcast. After a
// crash, replaying the store therefore yields a state no newer than what
// any listener saw.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/protocol"
)

// Mutation precondition failures. Handlers translate these to wire reasons.
var (
	ErrRaceNotRunning      = errors.New("race is not running")
	ErrRaceNotSetup        = errors.New("race is not in setup")
	ErrParticipantTerminal = errors.New("participant is in a terminal state")
	ErrNotPlaying          = errors.New("participant is not playing")
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrNotOrganizer        = errors.New("caller is not the race organizer")
	ErrAlreadyReleased     = errors.New("seeds already released")
	ErrSeedsNotReleased    = errors.New("seeds not released")
	ErrNoSeed              = errors.New("race has no seed assigned")
)

// RaceStore is the slice of the race store the room uses.
type RaceStore interface {
	GetRace(ctx context.Context, id uuid.UUID) (*domain.Race, error)
	UpdateRace(ctx context.Context, r *domain.Race) error
}

// ParticipantStore is the slice of the participant store the room uses.
type ParticipantStore interface {
	ListByRace(ctx context.Context, raceID uuid.UUID) ([]domain.Participant, error)
	UpdateParticipant(ctx context.Context, p *domain.Participant) error
}

// SeedStore is the slice of the seed store the room uses.
type SeedStore interface {
	GetSeed(ctx context.Context, id uuid.UUID) (*domain.Seed, error)
	PickUnassigned(ctx context.Context, poolName string) (*domain.Seed, error)
}

// UserStore resolves participant identities for wire views.
type UserStore interface {
	GetUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.User, error)
}

// CasterStore is the slice of the caster store the room uses.
type CasterStore interface {
	ListCasters(ctx context.Context, raceID uuid.UUID) ([]uuid.UUID, error)
}

// Stores bundles the persistence dependencies of a room.
type Stores struct {
	Races        RaceStore
	Participants ParticipantStore
	Seeds        SeedStore
	Users        UserStore
	Casters      CasterStore
}

// Broadcaster is the fan-out surface the room emits through. *hub.Hub
// satisfies it; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(raceID uuid.UUID, aud hub.Audience, f protocol.ServerFrame)
	SendToMod(raceID, participantID uuid.UUID, f protocol.ServerFrame) bool
	CloseMod(raceID, participantID uuid.UUID)
	ModLive(raceID, participantID uuid.UUID) bool
}

// Room owns one race. All state behind mu; single-writer by construction.
type Room struct {
	cfg    *config.Config
	stores Stores
	bc     Broadcaster

	mu           sync.Mutex
	race         *domain.Race
	seed         *domain.Seed
	participants map[uuid.UUID]*domain.Participant
	order        []uuid.UUID
	users        map[uuid.UUID]domain.User
	casters      []uuid.UUID
	missedPongs  map[uuid.UUID]int
	lbDirty      bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newRoom(cfg *config.Config, stores Stores, bc Broadcaster, race *domain.Race, seed *domain.Seed, participants []domain.Participant, users map[uuid.UUID]domain.User, casters []uuid.UUID) *Room {
	r := &Room{
		cfg:          cfg,
		stores:       stores,
		bc:           bc,
		race:         race,
		seed:         seed,
		participants: make(map[uuid.UUID]*domain.Participant, len(participants)),
		users:        users,
		casters:      casters,
		missedPongs:  make(map[uuid.UUID]int),
	}
	for i := range participants {
		p := participants[i]
		r.participants[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	return r
}

// Start launches the room's ping and leaderboard-coalescing tickers.
func (r *Room) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ping := time.NewTicker(r.cfg.PingInterval)
		defer ping.Stop()
		coalesce := time.NewTicker(r.cfg.CoalesceInterval)
		defer coalesce.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				r.pingTick()
			case <-coalesce.C:
				r.coalesceTick()
			}
		}
	}()
}

// Stop cancels the ticker goroutine and waits for it to finish.
func (r *Room) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// RaceID returns the owning race id.
func (r *Room) RaceID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.race.ID
}

// storeCtx bounds a persisted call made under the room lock.
func (r *Room) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

// persistParticipant writes a participant row, retrying once. The room is
// the only writer for its participants, so last-writer-wins is safe.
func (r *Room) persistParticipant(ctx context.Context, p *domain.Participant) error {
	sctx, cancel := r.storeCtx(ctx)
	err := r.stores.Participants.UpdateParticipant(sctx, p)
	cancel()
	if err == nil {
		return nil
	}
	slog.Warn("room: participant update failed, retrying", "participant_id", p.ID, "error", err)

	sctx, cancel = r.storeCtx(ctx)
	defer cancel()
	return r.stores.Participants.UpdateParticipant(sctx, p)
}

// RecordPong resets the missed-ping counter for a participant.
func (r *Room) RecordPong(participantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missedPongs[participantID] = 0
}

// pingTick sends a keepalive to every live mod and closes sessions that
// have missed too many pongs. Closing never changes participant status.
func (r *Room) pingTick() {
	r.mu.Lock()
	raceID := r.race.ID
	var toPing, toClose []uuid.UUID
	for _, id := range r.order {
		if !r.bc.ModLive(raceID, id) {
			delete(r.missedPongs, id)
			continue
		}
		if r.missedPongs[id] >= r.cfg.MaxMissedPongs {
			delete(r.missedPongs, id)
			toClose = append(toClose, id)
			continue
		}
		r.missedPongs[id]++
		toPing = append(toPing, id)
	}
	r.mu.Unlock()

	for _, id := range toClose {
		slog.Info("room: closing unresponsive mod session", "race_id", raceID, "participant_id", id)
		r.bc.CloseMod(raceID, id)
	}
	for _, id := range toPing {
		r.bc.SendToMod(raceID, id, protocol.NewPing())
	}
}

// coalesceTick broadcasts one leaderboard_update if any mutation marked
// the board dirty since the last tick. Dirty flags in between collapse.
func (r *Room) coalesceTick() {
	r.mu.Lock()
	if !r.lbDirty {
		r.mu.Unlock()
		return
	}
	r.lbDirty = false
	raceID := r.race.ID
	frame := protocol.NewLeaderboardUpdate(r.standingsLocked())
	r.mu.Unlock()

	r.bc.Broadcast(raceID, hub.AudienceAll, frame)
}

// tierOf adapts the seed graph lookup for the leaderboard engine.
func (r *Room) tierOf(nodeID string) (int, bool) {
	if r.seed == nil {
		return 0, false
	}
	return r.seed.NodeTier(nodeID)
}

// standingsLocked builds the sorted wire leaderboard. Caller holds mu.
func (r *Room) standingsLocked() []protocol.ParticipantInfo {
	regIndex := make(map[uuid.UUID]int, len(r.order))
	ps := make([]*domain.Participant, 0, len(r.order))
	for i, id := range r.order {
		regIndex[id] = i
		ps = append(ps, r.participants[id])
	}

	sorted := sortStandings(ps, r.tierOf, regIndex)
	gaps := computeGaps(sorted, r.tierOf)

	infos := make([]protocol.ParticipantInfo, 0, len(sorted))
	for _, p := range sorted {
		infos = append(infos, r.participantInfoLocked(p, gaps))
	}
	return infos
}

func (r *Room) participantInfoLocked(p *domain.Participant, gaps map[uuid.UUID]int64) protocol.ParticipantInfo {
	u := r.users[p.UserID]
	info := protocol.ParticipantInfo{
		ID: p.ID,
		User: protocol.UserInfo{
			ID:          u.ID,
			Login:       u.Login,
			DisplayName: u.DisplayName,
			ColorIndex:  p.ColorIndex,
		},
		Status:       string(p.Status),
		CurrentZone:  p.CurrentZone,
		CurrentLayer: p.CurrentLayer,
		IGTMs:        p.IGTMs,
		DeathCount:   p.DeathCount,
		ZoneHistory:  p.ZoneHistory,
		IsLive:       r.bc.ModLive(p.RaceID, p.ID),
	}
	if gap, ok := gaps[p.ID]; ok {
		g := gap
		info.GapMs = &g
	}
	return info
}

// playerUpdateLocked builds the immediate single-participant frame.
// Caller holds mu.
func (r *Room) playerUpdateLocked(participantID uuid.UUID) (protocol.PlayerUpdate, bool) {
	for _, info := range r.standingsLocked() {
		if info.ID == participantID {
			return protocol.NewPlayerUpdate(info), true
		}
	}
	return protocol.PlayerUpdate{}, false
}

// AuthSnapshot builds the auth_ok frame for a freshly authenticated mod.
func (r *Room) AuthSnapshot(participantID uuid.UUID) protocol.AuthOK {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame := protocol.AuthOK{
		Type:            protocol.TypeAuthOK,
		Race:            protocol.NewRaceInfo(r.race),
		Participants:    r.standingsLocked(),
		MyParticipantID: participantID,
	}
	if r.seed != nil {
		frame.Seed = protocol.NewSeedInfo(r.seed)
	}
	return frame
}

// StateSnapshot builds the race_state frame sent to spectators on hello.
func (r *Room) StateSnapshot() protocol.RaceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateSnapshotLocked()
}

func (r *Room) stateSnapshotLocked() protocol.RaceState {
	frame := protocol.RaceState{
		Type:         protocol.TypeRaceState,
		Race:         protocol.NewRaceInfo(r.race),
		Participants: r.standingsLocked(),
	}
	if r.seed != nil {
		si := protocol.NewSeedInfo(r.seed)
		frame.Seed = &si
	}
	return frame
}

// OrganizerID returns the race organizer's user id.
func (r *Room) OrganizerID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.race.OrganizerID
}

// Casters returns the cached caster user ids.
func (r *Room) Casters() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, len(r.casters))
	copy(out, r.casters)
	return out
}

// RaceRunning reports whether the race is currently RUNNING.
func (r *Room) RaceRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.race.Status == domain.RaceStatusRunning
}

// ParticipantStatus returns the current status of a participant.
func (r *Room) ParticipantStatus(participantID uuid.UUID) (domain.ParticipantStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantID]
	if !ok {
		return "", false
	}
	return p.Status, true
}

// AddParticipant caches a participant registered after the room loaded.
func (r *Room) AddParticipant(p domain.Participant, u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.participants[p.ID]; exists {
		return
	}
	r.participants[p.ID] = &p
	r.order = append(r.order, p.ID)
	r.users[u.ID] = u
	r.lbDirty = true
}

// RefreshCasters replaces the cached caster set and announces it.
func (r *Room) RefreshCasters(userIDs []uuid.UUID) {
	r.mu.Lock()
	r.casters = userIDs
	raceID := r.race.ID
	r.mu.Unlock()

	r.bc.Broadcast(raceID, hub.AudienceAll, protocol.NewCasterUpdate(userIDs))
}

// gameplayParticipantLocked validates the common gameplay preconditions:
// race RUNNING, participant known and not terminal.
func (r *Room) gameplayParticipantLocked(participantID uuid.UUID) (*domain.Participant, error) {
	if r.race.Status != domain.RaceStatusRunning {
		return nil, ErrRaceNotRunning
	}
	p, ok := r.participants[participantID]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	if p.Status.Terminal() {
		return nil, ErrParticipantTerminal
	}
	return p, nil
}

// enterZoneLocked records a node entry: appends the zone-history entry on
// first visit, re-derives the layer, and updates the current zone.
// Returns true if anything changed.
func (r *Room) enterZoneLocked(p *domain.Participant, nodeID string, igtMs int64) bool {
	changed := false
	if p.CurrentZone == nil || *p.CurrentZone != nodeID {
		zone := nodeID
		p.CurrentZone = &zone
		changed = true
	}
	tier, known := r.tierOf(nodeID)
	if known && !p.VisitedZone(nodeID) {
		p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: nodeID, IGTMs: igtMs})
		if tier > p.CurrentLayer {
			p.CurrentLayer = tier
		}
		changed = true
	}
	return changed
}

// advanceIGTLocked applies a monotonic igt update, stamping
// last_igt_change_at only on a strict advance. Returns true on advance.
func (r *Room) advanceIGTLocked(p *domain.Participant, igtMs int64) bool {
	if igtMs <= p.IGTMs {
		return false
	}
	p.IGTMs = igtMs
	now := time.Now().UTC()
	p.LastIGTChangeAt = &now
	return true
}

// ApplyStatus handles a status_update frame: igt, current zone, and the
// cumulative death counter. Replaying an already-applied update is a
// no-op with no broadcast.
func (r *Room) ApplyStatus(ctx context.Context, participantID uuid.UUID, igtMs int64, zone *string, deathCount int) error {
	r.mu.Lock()

	p, err := r.gameplayParticipantLocked(participantID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	// Stale frame from a reconnect replay: igt has already moved past it.
	if igtMs < p.IGTMs {
		r.mu.Unlock()
		return nil
	}

	changed := false
	orderingChanged := false

	if p.Status != domain.ParticipantPlaying {
		p.Status = domain.ParticipantPlaying
		changed = true
		orderingChanged = true
	}

	if zone != nil {
		before := p.CurrentLayer
		if r.enterZoneLocked(p, *zone, igtMs) {
			changed = true
			if p.CurrentLayer != before || len(p.ZoneHistory) > 0 {
				orderingChanged = true
			}
		}
	}

	if deathCount > p.DeathCount {
		delta := deathCount - p.DeathCount
		if p.CurrentZone != nil {
			for i := range p.ZoneHistory {
				if p.ZoneHistory[i].NodeID == *p.CurrentZone {
					p.ZoneHistory[i].Deaths += delta
					break
				}
			}
		}
		p.DeathCount = deathCount
		changed = true
	}

	if r.advanceIGTLocked(p, igtMs) {
		changed = true
	}

	if !changed {
		r.mu.Unlock()
		return nil
	}

	if err := r.persistParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}

	raceID := r.race.ID
	var frame protocol.ServerFrame
	if orderingChanged {
		r.lbDirty = true
	} else if pu, ok := r.playerUpdateLocked(participantID); ok {
		frame = pu
	}
	r.mu.Unlock()

	if frame != nil {
		r.bc.Broadcast(raceID, hub.AudienceAll, frame)
	}
	return nil
}

// ApplyZoneEntered handles a zone_entered frame — the stronger signal for
// adding a node to the history.
func (r *Room) ApplyZoneEntered(ctx context.Context, participantID uuid.UUID, fromZone *string, toZone string, igtMs int64) error {
	r.mu.Lock()

	p, err := r.gameplayParticipantLocked(participantID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if igtMs < p.IGTMs {
		r.mu.Unlock()
		return nil
	}

	if p.Status != domain.ParticipantPlaying {
		p.Status = domain.ParticipantPlaying
	}
	changed := r.enterZoneLocked(p, toZone, igtMs)
	if r.advanceIGTLocked(p, igtMs) {
		changed = true
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}

	if err := r.persistParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}

	raceID := r.race.ID
	r.lbDirty = true
	zoneFrame := protocol.ZoneUpdateFrame{
		Type:          protocol.TypeZoneUpdate,
		ParticipantID: participantID,
		FromZone:      fromZone,
		ToZone:        toZone,
		IGTMs:         igtMs,
	}
	r.mu.Unlock()

	r.bc.Broadcast(raceID, hub.AudienceListeners, zoneFrame)
	return nil
}

// ApplyEventFlag handles an event_flag frame as a timestamp-bearing igt
// advance. Duplicate flags with igt at or below the stored value are
// no-ops, which makes reconnect replays idempotent.
func (r *Room) ApplyEventFlag(ctx context.Context, participantID uuid.UUID, flag string, igtMs int64) error {
	r.mu.Lock()

	p, err := r.gameplayParticipantLocked(participantID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if igtMs <= p.IGTMs {
		r.mu.Unlock()
		return nil
	}

	if p.Status != domain.ParticipantPlaying {
		p.Status = domain.ParticipantPlaying
	}
	r.advanceIGTLocked(p, igtMs)

	if err := r.persistParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}

	raceID := r.race.ID
	frame, ok := r.playerUpdateLocked(participantID)
	r.mu.Unlock()

	if ok {
		slog.Debug("room: event flag applied", "race_id", raceID, "participant_id", participantID, "flag", flag)
		r.bc.Broadcast(raceID, hub.AudienceAll, frame)
	}
	return nil
}

// ApplyFinished handles a finished frame: the participant becomes
// FINISHED at the reported igt and the race auto-finish check runs.
// Only PLAYING participants can finish; a finished frame is never the
// first accepted gameplay message.
func (r *Room) ApplyFinished(ctx context.Context, participantID uuid.UUID, igtMs int64) error {
	r.mu.Lock()

	p, err := r.gameplayParticipantLocked(participantID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if p.Status != domain.ParticipantPlaying {
		r.mu.Unlock()
		return ErrNotPlaying
	}

	r.advanceIGTLocked(p, igtMs)
	p.Status = domain.ParticipantFinished
	now := time.Now().UTC()
	p.FinishedAt = &now

	if err := r.persistParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}

	raceID := r.race.ID
	r.lbDirty = true
	frame, hasFrame := r.playerUpdateLocked(participantID)
	finished := r.autoFinishLocked(ctx)
	r.mu.Unlock()

	if hasFrame {
		r.bc.Broadcast(raceID, hub.AudienceAll, frame)
	}
	if finished {
		r.bc.Broadcast(raceID, hub.AudienceAll, protocol.NewRaceStatusChange(domain.RaceStatusFinished))
	}
	return nil
}

// ApplyReady handles the SETUP-era readiness signal.
func (r *Room) ApplyReady(ctx context.Context, participantID uuid.UUID) error {
	r.mu.Lock()

	if r.race.Status != domain.RaceStatusSetup {
		r.mu.Unlock()
		return ErrRaceNotSetup
	}
	p, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	if p.Status != domain.ParticipantRegistered {
		r.mu.Unlock()
		return nil
	}
	p.Status = domain.ParticipantReady

	if err := r.persistParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}
	r.lbDirty = true
	r.mu.Unlock()
	return nil
}

// Abandon transitions a participant to ABANDONED. Self-abandon requires a
// PLAYING participant in a RUNNING race; force-abandon (organizer or
// sweeper) accepts any non-terminal participant. Already-terminal
// participants are a no-op, which keeps sweeps idempotent.
func (r *Room) Abandon(ctx context.Context, participantID uuid.UUID, force bool) error {
	r.mu.Lock()

	p, ok := r.participants[participantID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownParticipant
	}
	if p.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	if !force {
		if r.race.Status != domain.RaceStatusRunning {
			r.mu.Unlock()
			return ErrRaceNotRunning
		}
		if p.Status != domain.ParticipantPlaying {
			r.mu.Unlock()
			return ErrNotPlaying
		}
	}
	p.Status = domain.ParticipantAbandoned

	if err := r.persistParticipant(ctx, p); err != nil {
		r.mu.Unlock()
		return err
	}

	raceID := r.race.ID
	r.lbDirty = true
	frame, hasFrame := r.playerUpdateLocked(participantID)
	finished := r.autoFinishLocked(ctx)
	r.mu.Unlock()

	if hasFrame {
		r.bc.Broadcast(raceID, hub.AudienceAll, frame)
	}
	if finished {
		r.bc.Broadcast(raceID, hub.AudienceAll, protocol.NewRaceStatusChange(domain.RaceStatusFinished))
	}
	return nil
}

// autoFinishLocked transitions the race to FINISHED once every participant
// is terminal. Runs under the optimistic lock: on conflict it reloads and
// retries once, then gives up — a later mutation re-checks. Caller holds
// mu; returns true if the race transitioned.
func (r *Room) autoFinishLocked(ctx context.Context) bool {
	if r.race.Status != domain.RaceStatusRunning || len(r.participants) == 0 {
		return false
	}
	for _, p := range r.participants {
		if !p.Status.Terminal() {
			return false
		}
	}

	r.race.Status = domain.RaceStatusFinished
	for attempt := 0; attempt < 2; attempt++ {
		sctx, cancel := r.storeCtx(ctx)
		err := r.stores.Races.UpdateRace(sctx, r.race)
		cancel()
		if err == nil {
			slog.Info("room: race finished", "race_id", r.race.ID)
			return true
		}
		if !errors.Is(err, domain.ErrRaceModified) || attempt == 1 {
			slog.Error("room: auto-finish persist failed", "race_id", r.race.ID, "error", err)
			r.race.Status = domain.RaceStatusRunning
			return false
		}

		sctx, cancel = r.storeCtx(ctx)
		fresh, loadErr := r.stores.Races.GetRace(sctx, r.race.ID)
		cancel()
		if loadErr != nil {
			slog.Error("room: auto-finish reload failed", "race_id", r.race.ID, "error", loadErr)
			r.race.Status = domain.RaceStatusRunning
			return false
		}
		if fresh.Status == domain.RaceStatusFinished {
			r.race = fresh
			return false
		}
		fresh.Status = domain.RaceStatusFinished
		r.race = fresh
	}
	return false
}
