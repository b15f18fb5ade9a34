// Package sweeper implements the inactivity sweeper: a background daemon
// that force-abandons playing participants whose in-game time has not
// advanced for too long, so crashed games cannot hold a race open forever.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/room"
)

// InactiveLister lists playing participants of running races whose
// last_igt_change_at is older than the cutoff.
type InactiveLister interface {
	ListInactive(ctx context.Context, cutoff time.Time) ([]domain.Participant, error)
}

// Rooms resolves a race id to its live room so the abandon runs through
// the room's single-writer path.
type Rooms interface {
	GetOrLoad(ctx context.Context, raceID uuid.UUID) (*room.Room, error)
}

// Sweeper is the background daemon. The cadence is a cron expression
// (@every accepted) from race.yaml.
type Sweeper struct {
	cfg          *config.Config
	participants InactiveLister
	rooms        Rooms
	schedule     cron.Schedule
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates a Sweeper, validating the configured schedule.
func New(cfg *config.Config, participants InactiveLister, rooms Rooms) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	return &Sweeper{
		cfg:          cfg,
		participants: participants,
		rooms:        rooms,
		schedule:     schedule,
	}, nil
}

// Start begins the background sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				s.safeRun(func() { s.tick(ctx) })
				timer.Reset(time.Until(s.schedule.Next(time.Now())))
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RunNow triggers a manual sweep and returns how many participants were
// abandoned.
func (s *Sweeper) RunNow(ctx context.Context) int {
	return s.tick(ctx)
}

// tick abandons every inactive participant through its race room. Each
// abandon is isolated; a failure does not stop the sweep. Re-sweeping an
// already-abandoned participant is a no-op, so overlap with a concurrent
// self-abandon is harmless.
func (s *Sweeper) tick(ctx context.Context) int {
	cutoff := time.Now().Add(-s.cfg.InactivityThreshold)
	inactive, err := s.participants.ListInactive(ctx, cutoff)
	if err != nil {
		slog.Error("sweeper: failed to list inactive participants", "error", err)
		return 0
	}
	if len(inactive) == 0 {
		return 0
	}

	count := 0
	for _, p := range inactive {
		rm, err := s.rooms.GetOrLoad(ctx, p.RaceID)
		if err != nil {
			slog.Warn("sweeper: failed to load room", "race_id", p.RaceID, "error", err)
			continue
		}
		if err := rm.Abandon(ctx, p.ID, true); err != nil {
			slog.Warn("sweeper: failed to abandon participant", "participant_id", p.ID, "error", err)
			continue
		}
		count++
	}

	slog.Info("sweeper: tick complete", "inactive", len(inactive), "abandoned", count)
	return count
}

// safeRun executes fn with panic recovery so one bad tick cannot kill the
// daemon.
func (s *Sweeper) safeRun(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("sweeper: tick panicked", "panic", rec)
		}
	}()
	fn()
}
