package ws

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/protocol"
	"github.com/liverace/liverace/server/internal/room"
)

// SpectatorHandler serves the read-only overlay socket. No handshake frame
// is required; the server pushes a race_state hello, then the session
// receives every listener broadcast until it disconnects.
type SpectatorHandler struct {
	hub   *hub.Hub
	rooms *room.Registry
}

// NewSpectatorHandler creates a SpectatorHandler.
func NewSpectatorHandler(h *hub.Hub, rooms *room.Registry) *SpectatorHandler {
	return &SpectatorHandler{hub: h, rooms: rooms}
}

func (sh *SpectatorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raceID, err := uuid.Parse(chi.URLParam(r, "raceID"))
	if err != nil {
		http.Error(w, "invalid race id", http.StatusBadRequest)
		return
	}

	rm, err := sh.rooms.GetOrLoad(r.Context(), raceID)
	if err != nil {
		http.Error(w, "race not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: spectator upgrade failed", "race_id", raceID, "error", err)
		return
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	session := sh.hub.NewSession(conn)
	sh.hub.AttachListener(raceID, session)
	session.Send(rm.StateSnapshot())
	session.Send(protocol.NewCasterUpdate(rm.Casters()))

	// Spectators only listen. Drain the read side to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	sh.hub.DetachListener(raceID, session)
	session.Close()
}
