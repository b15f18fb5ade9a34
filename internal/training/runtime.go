// Package training implements the solo practice runtime: a degenerate
// single-user race against a referenced seed, with no readiness phase, no
// leaderboard, and no other participants.
//
// A training session has exactly one live connection, so its state is
// owned by that connection's read goroutine and needs no lock. Mutations
// follow the same discipline as race rooms: persist, then report.
package training

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/domain"
)

// Store is the persistence slice the runtime uses.
type Store interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.TrainingSession, error)
	UpdateSession(ctx context.Context, t *domain.TrainingSession) error
	ListGhosts(ctx context.Context, seedID, excludeSessionID uuid.UUID) ([]domain.GhostRun, error)
}

// SeedProvider resolves seed graphs, normally through the shared cache.
type SeedProvider interface {
	Seed(ctx context.Context, seedID uuid.UUID) (*domain.Seed, error)
}

// Runtime applies gameplay mutations to training sessions.
type Runtime struct {
	store Store
	seeds SeedProvider
}

// NewRuntime creates a Runtime.
func NewRuntime(store Store, seeds SeedProvider) *Runtime {
	return &Runtime{store: store, seeds: seeds}
}

// Authenticate resolves a mod token hash to its session and seed graph.
func (r *Runtime) Authenticate(ctx context.Context, tokenHash string) (*domain.TrainingSession, *domain.Seed, error) {
	sess, err := r.store.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, nil, err
	}
	seed, err := r.seeds.Seed(ctx, sess.SeedID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve training seed: %w", err)
	}
	return sess, seed, nil
}

// enterZone records a node entry into the progress history on first visit
// and re-derives the layer. Returns true if anything changed.
func enterZone(sess *domain.TrainingSession, seed *domain.Seed, nodeID string, igtMs int64) bool {
	changed := false
	if sess.CurrentZone == nil || *sess.CurrentZone != nodeID {
		zone := nodeID
		sess.CurrentZone = &zone
		changed = true
	}
	if tier, ok := seed.NodeTier(nodeID); ok && !sess.VisitedZone(nodeID) {
		sess.ProgressNodes = append(sess.ProgressNodes, domain.ZoneVisit{NodeID: nodeID, IGTMs: igtMs})
		if tier > sess.CurrentLayer {
			sess.CurrentLayer = tier
		}
		changed = true
	}
	return changed
}

// advanceIGT applies a monotonic igt update. Returns true on a strict
// advance.
func advanceIGT(sess *domain.TrainingSession, igtMs int64) bool {
	if igtMs <= sess.IGTMs {
		return false
	}
	sess.IGTMs = igtMs
	now := time.Now().UTC()
	sess.LastIGTChangeAt = &now
	return true
}

// ApplyStatus handles a status_update frame. Stale and duplicate frames
// are no-ops. The bool reports whether the session changed, so the caller
// knows when to push a fresh player_update.
func (r *Runtime) ApplyStatus(ctx context.Context, sess *domain.TrainingSession, seed *domain.Seed, igtMs int64, zone *string, deathCount int) (bool, error) {
	if sess.Status.Terminal() {
		return false, nil
	}
	if igtMs < sess.IGTMs {
		return false, nil
	}

	changed := false
	if zone != nil && enterZone(sess, seed, *zone, igtMs) {
		changed = true
	}
	if deathCount > sess.DeathCount {
		delta := deathCount - sess.DeathCount
		if sess.CurrentZone != nil {
			for i := range sess.ProgressNodes {
				if sess.ProgressNodes[i].NodeID == *sess.CurrentZone {
					sess.ProgressNodes[i].Deaths += delta
					break
				}
			}
		}
		sess.DeathCount = deathCount
		changed = true
	}
	if advanceIGT(sess, igtMs) {
		changed = true
	}
	if !changed {
		return false, nil
	}
	return true, r.store.UpdateSession(ctx, sess)
}

// ApplyZoneEntered handles a zone_entered frame.
func (r *Runtime) ApplyZoneEntered(ctx context.Context, sess *domain.TrainingSession, seed *domain.Seed, toZone string, igtMs int64) (bool, error) {
	if sess.Status.Terminal() {
		return false, nil
	}
	if igtMs < sess.IGTMs {
		return false, nil
	}

	changed := enterZone(sess, seed, toZone, igtMs)
	if advanceIGT(sess, igtMs) {
		changed = true
	}
	if !changed {
		return false, nil
	}
	return true, r.store.UpdateSession(ctx, sess)
}

// ApplyEventFlag handles an event_flag frame as an igt advance.
func (r *Runtime) ApplyEventFlag(ctx context.Context, sess *domain.TrainingSession, igtMs int64) (bool, error) {
	if sess.Status.Terminal() {
		return false, nil
	}
	if igtMs <= sess.IGTMs {
		return false, nil
	}
	advanceIGT(sess, igtMs)
	return true, r.store.UpdateSession(ctx, sess)
}

// ApplyFinished ends the session as FINISHED at the reported igt.
func (r *Runtime) ApplyFinished(ctx context.Context, sess *domain.TrainingSession, igtMs int64) (bool, error) {
	if sess.Status.Terminal() {
		return false, nil
	}
	advanceIGT(sess, igtMs)
	sess.Status = domain.TrainingFinished
	now := time.Now().UTC()
	sess.FinishedAt = &now
	return true, r.store.UpdateSession(ctx, sess)
}

// Abandon ends the session as ABANDONED. No-op if already terminal.
func (r *Runtime) Abandon(ctx context.Context, sess *domain.TrainingSession) error {
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = domain.TrainingAbandoned
	return r.store.UpdateSession(ctx, sess)
}

// Ghosts returns the anonymized finished runs on the session's seed,
// excluding the session itself, fastest first.
func (r *Runtime) Ghosts(ctx context.Context, sess *domain.TrainingSession) ([]domain.GhostRun, error) {
	return r.store.ListGhosts(ctx, sess.SeedID, sess.ID)
}
