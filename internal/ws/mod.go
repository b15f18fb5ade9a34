package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liverace/liverace/server/internal/auth"
	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/protocol"
	"github.com/liverace/liverace/server/internal/room"
)

// TokenResolver maps a mod token hash to its participant.
type TokenResolver interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Participant, error)
}

// ModHandler serves the game-side mod socket. The first frame must be an
// auth frame carrying the participant's mod token; everything after is
// gameplay ingest.
type ModHandler struct {
	cfg          *config.Config
	hub          *hub.Hub
	rooms        *room.Registry
	participants TokenResolver
}

// NewModHandler creates a ModHandler.
func NewModHandler(cfg *config.Config, h *hub.Hub, rooms *room.Registry, participants TokenResolver) *ModHandler {
	return &ModHandler{cfg: cfg, hub: h, rooms: rooms, participants: participants}
}

func (mh *ModHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: mod upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	p, rm, ok := mh.authenticate(r.Context(), conn)
	if !ok {
		return
	}

	session := mh.hub.NewSession(conn)
	mh.hub.AttachMod(p.RaceID, p.ID, session)
	session.Send(rm.AuthSnapshot(p.ID))

	mh.readPump(conn, session, rm, p)

	mh.hub.DetachMod(p.RaceID, p.ID, session)
	session.Close()
}

// authenticate reads the first frame under the auth deadline and resolves
// the mod token. Failures are written directly — no session exists yet.
func (mh *ModHandler) authenticate(ctx context.Context, conn *websocket.Conn) (*domain.Participant, *room.Room, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(mh.cfg.AuthTimeout))
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

	p, err := mh.participants.GetByTokenHash(ctx, auth.HashModToken(frame.ModToken))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("ws: mod token lookup failed", "error", err)
		}
		reject(conn, protocol.ReasonInvalidToken)
		return nil, nil, false
	}

	rm, err := mh.rooms.GetOrLoad(ctx, p.RaceID)
	if err != nil {
		slog.Error("ws: room load failed", "race_id", p.RaceID, "error", err)
		reject(conn, protocol.ReasonInvalidToken)
		return nil, nil, false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return p, rm, true
}

// readPump runs the gameplay ingest loop until the connection drops.
// Malformed frames are logged and skipped; precondition failures answer
// with a non-fatal error frame where the mod can act on it.
func (mh *ModHandler) readPump(conn *websocket.Conn, session *hub.Session, rm *room.Room, p *domain.Participant) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("ws: dropping bad mod frame", "participant_id", p.ID, "error", err)
			continue
		}

		switch frame.Type {
		case protocol.TypePong:
			rm.RecordPong(p.ID)
			continue
		case protocol.TypeAuth:
			// Already authenticated; ignore.
			continue
		case protocol.TypeReady:
			err = rm.ApplyReady(ctx, p.ID)
		case protocol.TypeStatusUpdate:
			err = rm.ApplyStatus(ctx, p.ID, frame.IGTMs, frame.CurrentZone, frame.DeathCount)
		case protocol.TypeZoneEntered:
			err = rm.ApplyZoneEntered(ctx, p.ID, frame.FromZone, frame.ToZone, frame.IGTMs)
		case protocol.TypeEventFlag:
			err = rm.ApplyEventFlag(ctx, p.ID, frame.Flag, frame.IGTMs)
		case protocol.TypeFinished:
			err = rm.ApplyFinished(ctx, p.ID, frame.IGTMs)
		}

		switch {
		case err == nil:
		case errors.Is(err, room.ErrRaceNotRunning), errors.Is(err, room.ErrRaceNotSetup):
			session.Send(protocol.NewError(protocol.ReasonRaceNotRunning))
		case errors.Is(err, room.ErrParticipantTerminal), errors.Is(err, room.ErrUnknownParticipant):
			// Terminal participants keep their socket but their gameplay
			// frames are dead.
			slog.Debug("ws: dropping frame from terminal participant", "participant_id", p.ID)
		case errors.Is(err, room.ErrNotPlaying):
			// A finished frame cannot be the first accepted gameplay
			// message; the mod must report progress first.
			slog.Debug("ws: dropping finished from non-playing participant", "participant_id", p.ID)
		default:
			slog.Error("ws: mod frame apply failed", "participant_id", p.ID, "type", frame.Type, "error", err)
		}
	}
}
