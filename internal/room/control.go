package room

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/protocol"
)

// requireOrganizerLocked gates control operations. Caller holds mu.
func (r *Room) requireOrganizerLocked(callerID uuid.UUID) error {
	if r.race.OrganizerID != callerID {
		return ErrNotOrganizer
	}
	return nil
}

// updateRaceLocked persists the race row under the optimistic version
// check. On conflict the in-memory copy is refreshed so the caller can
// retry against current state. Caller holds mu.
func (r *Room) updateRaceLocked(ctx context.Context, prev domain.Race) error {
	sctx, cancel := r.storeCtx(ctx)
	err := r.stores.Races.UpdateRace(sctx, r.race)
	cancel()
	if err == nil {
		return nil
	}

	// Roll back the speculative mutation, then refresh if it was a
	// version conflict so the next attempt sees current state.
	*r.race = prev
	if errors.Is(err, domain.ErrRaceModified) {
		sctx, cancel := r.storeCtx(ctx)
		fresh, loadErr := r.stores.Races.GetRace(sctx, r.race.ID)
		cancel()
		if loadErr == nil {
			r.race = fresh
		} else {
			slog.Warn("room: race refresh after conflict failed", "race_id", r.race.ID, "error", loadErr)
		}
	}
	return err
}

// ReleaseSeeds reveals the assigned seed to participants. One-way: once
// released, the seed identity is locked for the race.
func (r *Room) ReleaseSeeds(ctx context.Context, callerID uuid.UUID) error {
	r.mu.Lock()

	if err := r.requireOrganizerLocked(callerID); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.race.Status != domain.RaceStatusSetup {
		r.mu.Unlock()
		return ErrRaceNotSetup
	}
	if r.race.SeedsReleasedAt != nil {
		r.mu.Unlock()
		return ErrAlreadyReleased
	}
	if r.race.SeedID == nil {
		r.mu.Unlock()
		return ErrNoSeed
	}

	prev := *r.race
	now := time.Now().UTC()
	r.race.SeedsReleasedAt = &now
	if err := r.updateRaceLocked(ctx, prev); err != nil {
		r.mu.Unlock()
		return err
	}

	raceID := r.race.ID
	frame := r.stateSnapshotLocked()
	r.mu.Unlock()

	slog.Info("room: seeds released", "race_id", raceID)
	r.bc.Broadcast(raceID, hub.AudienceAll, frame)
	return nil
}

// StartRace transitions SETUP → RUNNING, promotes every READY participant
// to PLAYING, and announces the start.
func (r *Room) StartRace(ctx context.Context, callerID uuid.UUID) error {
	r.mu.Lock()

	if err := r.requireOrganizerLocked(callerID); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.race.Status != domain.RaceStatusSetup {
		r.mu.Unlock()
		return ErrRaceNotSetup
	}
	if r.race.SeedsReleasedAt == nil {
		r.mu.Unlock()
		return ErrSeedsNotReleased
	}

	prev := *r.race
	now := time.Now().UTC()
	r.race.Status = domain.RaceStatusRunning
	r.race.StartedAt = &now
	if err := r.updateRaceLocked(ctx, prev); err != nil {
		r.mu.Unlock()
		return err
	}

	for _, id := range r.order {
		p := r.participants[id]
		if p.Status != domain.ParticipantReady {
			continue
		}
		p.Status = domain.ParticipantPlaying
		if err := r.persistParticipant(ctx, p); err != nil {
			slog.Error("room: promote to playing failed", "participant_id", p.ID, "error", err)
		}
	}

	raceID := r.race.ID
	startedAt := now
	r.lbDirty = true
	state := r.stateSnapshotLocked()
	r.mu.Unlock()

	slog.Info("room: race started", "race_id", raceID)
	r.bc.Broadcast(raceID, hub.AudienceAll, protocol.NewRaceStart(startedAt))
	r.bc.Broadcast(raceID, hub.AudienceAll, protocol.NewRaceStatusChange(domain.RaceStatusRunning))
	r.bc.Broadcast(raceID, hub.AudienceAll, state)
	return nil
}

// RerollSeed swaps the race's seed for a fresh unassigned one from the
// given pool (or the current seed's pool when empty). SETUP only.
// Rerolling an already-released seed clears the release flag, so the
// organizer must release again before the race can start.
func (r *Room) RerollSeed(ctx context.Context, callerID uuid.UUID, poolName string) error {
	r.mu.Lock()

	if err := r.requireOrganizerLocked(callerID); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.race.Status != domain.RaceStatusSetup {
		r.mu.Unlock()
		return ErrRaceNotSetup
	}
	if poolName == "" {
		if r.seed == nil {
			r.mu.Unlock()
			return ErrNoSeed
		}
		poolName = r.seed.PoolName
	}

	sctx, cancel := r.storeCtx(ctx)
	seed, err := r.stores.Seeds.PickUnassigned(sctx, poolName)
	cancel()
	if err != nil {
		r.mu.Unlock()
		return err
	}

	prev := *r.race
	r.race.SeedID = &seed.ID
	r.race.SeedsReleasedAt = nil
	if err := r.updateRaceLocked(ctx, prev); err != nil {
		r.mu.Unlock()
		return err
	}
	r.seed = seed
	raceID := r.race.ID
	frame := r.stateSnapshotLocked()
	r.mu.Unlock()

	slog.Info("room: seed rerolled", "race_id", raceID, "seed_id", seed.ID, "pool", poolName)
	r.bc.Broadcast(raceID, hub.AudienceAll, frame)
	return nil
}
