package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liverace/liverace/server/internal/auth"
	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/protocol"
	"github.com/liverace/liverace/server/internal/training"
)

// TrainingHandler serves the solo practice socket. Training skips the
// readiness phase: auth_ok is followed immediately by race_start, and no
// leaderboard frames are ever sent.
type TrainingHandler struct {
	cfg     *config.Config
	hub     *hub.Hub
	runtime *training.Runtime
}

// NewTrainingHandler creates a TrainingHandler.
func NewTrainingHandler(cfg *config.Config, h *hub.Hub, runtime *training.Runtime) *TrainingHandler {
	return &TrainingHandler{cfg: cfg, hub: h, runtime: runtime}
}

func (th *TrainingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: training upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	sess, seed, ok := th.authenticate(r.Context(), conn)
	if !ok {
		return
	}

	session := th.hub.NewSession(conn)
	session.Send(protocol.AuthOK{
		Type: protocol.TypeAuthOK,
		Race: protocol.RaceInfo{
			ID:        sess.ID,
			Name:      "training",
			Status:    "training",
			StartedAt: &sess.CreatedAt,
		},
		Seed:            protocol.NewSeedInfo(seed),
		MyParticipantID: sess.ID,
	})
	session.Send(protocol.NewRaceStart(sess.CreatedAt))

	var missedPongs atomic.Int32
	pingCtx, stopPing := context.WithCancel(context.Background())
	defer stopPing()
	go th.pingLoop(pingCtx, session, &missedPongs)

	th.readPump(conn, session, sess, seed, &missedPongs)
	session.Close()
}

// trainingPlayerUpdate mirrors the race wire shape for the solo runner;
// there are no gaps and no other participants.
func trainingPlayerUpdate(sess *domain.TrainingSession) protocol.PlayerUpdate {
	return protocol.NewPlayerUpdate(protocol.ParticipantInfo{
		ID:           sess.ID,
		User:         protocol.UserInfo{ID: sess.UserID},
		Status:       string(sess.Status),
		CurrentZone:  sess.CurrentZone,
		CurrentLayer: sess.CurrentLayer,
		IGTMs:        sess.IGTMs,
		DeathCount:   sess.DeathCount,
		ZoneHistory:  sess.ProgressNodes,
		IsLive:       true,
	})
}

func (th *TrainingHandler) authenticate(ctx context.Context, conn *websocket.Conn) (*domain.TrainingSession, *domain.Seed, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(th.cfg.AuthTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		reject(conn, protocol.ReasonAuthTimeout)
		return nil, nil, false
	}

	frame, err := protocol.Decode(data)
	if err != nil || frame.Type != protocol.TypeAuth {
		reject(conn, protocol.ReasonInvalidToken)
		return nil, nil, false
	}

	sess, seed, err := th.runtime.Authenticate(ctx, auth.HashModToken(frame.ModToken))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("ws: training auth failed", "error", err)
		}
		reject(conn, protocol.ReasonInvalidToken)
		return nil, nil, false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return sess, seed, true
}

// pingLoop keeps the single training connection alive. Two unanswered
// pings close the session; the session status is untouched.
func (th *TrainingHandler) pingLoop(ctx context.Context, session *hub.Session, missedPongs *atomic.Int32) {
	ticker := time.NewTicker(th.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if int(missedPongs.Add(1)) > th.cfg.MaxMissedPongs {
				session.Close()
				return
			}
			session.Send(protocol.NewPing())
		}
	}
}

func (th *TrainingHandler) readPump(conn *websocket.Conn, session *hub.Session, sess *domain.TrainingSession, seed *domain.Seed, missedPongs *atomic.Int32) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("ws: dropping bad training frame", "session_id", sess.ID, "error", err)
			continue
		}

		var changed bool
		switch frame.Type {
		case protocol.TypePong:
			missedPongs.Store(0)
			continue
		case protocol.TypeAuth, protocol.TypeReady:
			// Training has no readiness phase; ignore.
			continue
		case protocol.TypeStatusUpdate:
			changed, err = th.runtime.ApplyStatus(ctx, sess, seed, frame.IGTMs, frame.CurrentZone, frame.DeathCount)
		case protocol.TypeZoneEntered:
			changed, err = th.runtime.ApplyZoneEntered(ctx, sess, seed, frame.ToZone, frame.IGTMs)
		case protocol.TypeEventFlag:
			changed, err = th.runtime.ApplyEventFlag(ctx, sess, frame.IGTMs)
		case protocol.TypeFinished:
			changed, err = th.runtime.ApplyFinished(ctx, sess, frame.IGTMs)
		}
		if err != nil {
			slog.Error("ws: training frame apply failed", "session_id", sess.ID, "type", frame.Type, "error", err)
			continue
		}
		// Solo sessions get no leaderboard; the runner still sees their
		// own progress echoed back.
		if changed {
			session.Send(trainingPlayerUpdate(sess))
		}
	}
}
