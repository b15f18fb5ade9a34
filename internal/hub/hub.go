// Package hub maintains the per-race registry of live websocket sessions
// and fans frames out to them.
//
// Two sets exist per race: mods (keyed by participant id, at most one live
// session each) and listeners (casters and anonymous spectators,
// unbounded). Fan-out is best-effort — a slow session sheds frames rather
// than stalling the race room (see Session.Send).
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/protocol"
)

// Audience selects the recipients of a broadcast.
type Audience int

const (
	AudienceAll Audience = iota
	AudienceMods
	AudienceListeners
)

type raceConns struct {
	mods      map[uuid.UUID]*Session
	listeners map[*Session]struct{}
}

// Hub is the process-wide connection registry. A single lock guards the
// race-id → sessions map; broadcasts iterate a snapshot so no send happens
// under the lock.
type Hub struct {
	mu         sync.Mutex
	races      map[uuid.UUID]*raceConns
	queueDepth int
}

// New creates a Hub whose sessions buffer up to queueDepth outbound frames.
func New(queueDepth int) *Hub {
	return &Hub{
		races:      make(map[uuid.UUID]*raceConns),
		queueDepth: queueDepth,
	}
}

// NewSession wraps a connection and starts its writer goroutine.
// The session is not attached to any race until AttachMod/AttachListener.
func (h *Hub) NewSession(conn Conn) *Session {
	return newSession(conn, h.queueDepth)
}

func (h *Hub) conns(raceID uuid.UUID) *raceConns {
	rc, ok := h.races[raceID]
	if !ok {
		rc = &raceConns{
			mods:      make(map[uuid.UUID]*Session),
			listeners: make(map[*Session]struct{}),
		}
		h.races[raceID] = rc
	}
	return rc
}

// AttachMod registers the mod session for a participant, evicting any prior
// session for the same participant. The evicted session is told why and
// closed, so at most one live mod connection exists per participant.
func (h *Hub) AttachMod(raceID, participantID uuid.UUID, s *Session) {
	h.mu.Lock()
	rc := h.conns(raceID)
	prior := rc.mods[participantID]
	rc.mods[participantID] = s
	h.mu.Unlock()

	if prior != nil && prior != s {
		slog.Info("hub: replacing mod session", "race_id", raceID, "participant_id", participantID)
		prior.CloseWithReason(protocol.ReasonReplaced)
	}
}

// DetachMod removes the mod session for a participant, but only if it is
// still the registered one — a reconnect may already have replaced it.
func (h *Hub) DetachMod(raceID, participantID uuid.UUID, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.races[raceID]
	if !ok {
		return
	}
	if rc.mods[participantID] == s {
		delete(rc.mods, participantID)
	}
}

// CloseMod closes and detaches the current mod session for a participant.
// Used by the room's ping ticker; the participant's status is untouched.
func (h *Hub) CloseMod(raceID, participantID uuid.UUID) {
	h.mu.Lock()
	var s *Session
	if rc, ok := h.races[raceID]; ok {
		s = rc.mods[participantID]
		delete(rc.mods, participantID)
	}
	h.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// ModLive reports whether a participant currently has a mod session.
func (h *Hub) ModLive(raceID, participantID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.races[raceID]
	if !ok {
		return false
	}
	_, live := rc.mods[participantID]
	return live
}

// AttachListener registers a spectator/caster session.
func (h *Hub) AttachListener(raceID uuid.UUID, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns(raceID).listeners[s] = struct{}{}
}

// DetachListener removes a spectator/caster session.
func (h *Hub) DetachListener(raceID uuid.UUID, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rc, ok := h.races[raceID]; ok {
		delete(rc.listeners, s)
	}
}

// Broadcast fans a frame out to the selected audience of one race.
// Per-session order is preserved; global order across sessions is not.
func (h *Hub) Broadcast(raceID uuid.UUID, aud Audience, f protocol.ServerFrame) {
	h.mu.Lock()
	rc, ok := h.races[raceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := make([]*Session, 0, len(rc.mods)+len(rc.listeners))
	if aud == AudienceAll || aud == AudienceMods {
		for _, s := range rc.mods {
			targets = append(targets, s)
		}
	}
	if aud == AudienceAll || aud == AudienceListeners {
		for s := range rc.listeners {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.Send(f)
	}
}

// SendToMod delivers a frame to one participant's mod session.
// Returns false if no session is attached.
func (h *Hub) SendToMod(raceID, participantID uuid.UUID, f protocol.ServerFrame) bool {
	h.mu.Lock()
	var s *Session
	if rc, ok := h.races[raceID]; ok {
		s = rc.mods[participantID]
	}
	h.mu.Unlock()

	if s == nil {
		return false
	}
	s.Send(f)
	return true
}

// Shutdown notifies every session the server is going away and closes them.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Session
	for _, rc := range h.races {
		for _, s := range rc.mods {
			all = append(all, s)
		}
		for s := range rc.listeners {
			all = append(all, s)
		}
	}
	h.races = make(map[uuid.UUID]*raceConns)
	h.mu.Unlock()

	for _, s := range all {
		s.CloseWithReason(protocol.ReasonServerShuttingDown)
	}
	for _, s := range all {
		<-s.Done()
	}
}
