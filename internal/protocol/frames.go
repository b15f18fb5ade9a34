package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/domain"
)

// ServerFrame is implemented by every server → client frame. The tag drives
// both JSON dispatch on the client and the connection manager's drop policy.
type ServerFrame interface {
	FrameType() string
}

// Critical reports whether a frame tag must never be silently dropped from
// an outbound queue. Overflowing past a critical frame closes the session
// instead; everything else is self-healing (the next coalescing tick or
// status update resends current truth).
func Critical(frameType string) bool {
	switch frameType {
	case TypeAuthOK, TypeAuthError, TypeRaceStart, TypeRaceStatusChange:
		return true
	}
	return false
}

// UserInfo is the identity slice exposed on the wire.
type UserInfo struct {
	ID          uuid.UUID `json:"id"`
	Login       string    `json:"login"`
	DisplayName string    `json:"display_name"`
	ColorIndex  int       `json:"color_index"`
}

// ParticipantInfo is the wire view of one participant, including the
// computed leaderboard gap and the external liveness signal.
type ParticipantInfo struct {
	ID           uuid.UUID          `json:"id"`
	User         UserInfo           `json:"user"`
	Status       string             `json:"status"`
	CurrentZone  *string            `json:"current_zone"`
	CurrentLayer int                `json:"current_layer"`
	IGTMs        int64              `json:"igt_ms"`
	DeathCount   int                `json:"death_count"`
	ZoneHistory  []domain.ZoneVisit `json:"zone_history"`
	GapMs        *int64             `json:"gap_ms"`
	IsLive       bool               `json:"is_live"`
}

// SeedInfo is the wire view of a seed.
type SeedInfo struct {
	ID          uuid.UUID       `json:"id"`
	PoolName    string          `json:"pool_name"`
	TotalLayers int             `json:"total_layers"`
	TotalNodes  int             `json:"total_nodes"`
	GraphJSON   json.RawMessage `json:"graph_json"`
}

// RaceInfo is the wire view of a race.
type RaceInfo struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at"`
	SeedsReleasedAt *time.Time `json:"seeds_released_at"`
}

// NewSeedInfo builds the wire view of a seed.
func NewSeedInfo(s *domain.Seed) SeedInfo {
	return SeedInfo{
		ID:          s.ID,
		PoolName:    s.PoolName,
		TotalLayers: s.TotalLayers,
		TotalNodes:  len(s.Nodes),
		GraphJSON:   s.GraphJSON,
	}
}

// NewRaceInfo builds the wire view of a race.
func NewRaceInfo(r *domain.Race) RaceInfo {
	return RaceInfo{
		ID:              r.ID,
		Name:            r.Name,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt,
		SeedsReleasedAt: r.SeedsReleasedAt,
	}
}

// AuthOK acknowledges a successful mod handshake with the full race view.
type AuthOK struct {
	Type            string            `json:"type"`
	Race            RaceInfo          `json:"race"`
	Seed            SeedInfo          `json:"seed"`
	Participants    []ParticipantInfo `json:"participants"`
	MyParticipantID uuid.UUID         `json:"my_participant_id"`
}

func (AuthOK) FrameType() string { return TypeAuthOK }

// AuthErrorFrame rejects a handshake; the connection is closed after it.
type AuthErrorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (AuthErrorFrame) FrameType() string { return TypeAuthError }

// NewAuthError builds an auth_error frame.
func NewAuthError(reason string) AuthErrorFrame {
	return AuthErrorFrame{Type: TypeAuthError, Reason: reason}
}

// ErrorFrame is a non-fatal error; the session remains open.
type ErrorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (ErrorFrame) FrameType() string { return TypeError }

// NewError builds an error frame.
func NewError(reason string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Reason: reason}
}

// RaceStartFrame signals the SETUP→RUNNING transition.
type RaceStartFrame struct {
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

func (RaceStartFrame) FrameType() string { return TypeRaceStart }

// NewRaceStart builds a race_start frame.
func NewRaceStart(startedAt time.Time) RaceStartFrame {
	return RaceStartFrame{Type: TypeRaceStart, StartedAt: startedAt}
}

// RaceStatusChangeFrame announces a race lifecycle transition.
type RaceStatusChangeFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (RaceStatusChangeFrame) FrameType() string { return TypeRaceStatusChange }

// NewRaceStatusChange builds a race_status_change frame.
func NewRaceStatusChange(status domain.RaceStatus) RaceStatusChangeFrame {
	return RaceStatusChangeFrame{Type: TypeRaceStatusChange, Status: string(status)}
}

// LeaderboardUpdate carries the pre-sorted leaderboard snapshot.
type LeaderboardUpdate struct {
	Type         string            `json:"type"`
	Participants []ParticipantInfo `json:"participants"`
}

func (LeaderboardUpdate) FrameType() string { return TypeLeaderboard }

// NewLeaderboardUpdate builds a leaderboard_update frame.
func NewLeaderboardUpdate(participants []ParticipantInfo) LeaderboardUpdate {
	return LeaderboardUpdate{Type: TypeLeaderboard, Participants: participants}
}

// PlayerUpdate carries one changed participant whose sort position is
// unchanged. Emitted immediately, bypassing leaderboard coalescing.
type PlayerUpdate struct {
	Type   string          `json:"type"`
	Player ParticipantInfo `json:"player"`
}

func (PlayerUpdate) FrameType() string { return TypePlayerUpdate }

// NewPlayerUpdate builds a player_update frame.
func NewPlayerUpdate(p ParticipantInfo) PlayerUpdate {
	return PlayerUpdate{Type: TypePlayerUpdate, Player: p}
}

// RaceState is the full snapshot sent to spectators on hello and after
// control transitions that reshape the race (release, reroll).
type RaceState struct {
	Type         string            `json:"type"`
	Race         RaceInfo          `json:"race"`
	Seed         *SeedInfo         `json:"seed"`
	Participants []ParticipantInfo `json:"participants"`
}

func (RaceState) FrameType() string { return TypeRaceState }

// ZoneUpdateFrame announces a zone transition to spectators and overlays.
type ZoneUpdateFrame struct {
	Type          string    `json:"type"`
	ParticipantID uuid.UUID `json:"participant_id"`
	FromZone      *string   `json:"from_zone"`
	ToZone        string    `json:"to_zone"`
	IGTMs         int64     `json:"igt_ms"`
}

func (ZoneUpdateFrame) FrameType() string { return TypeZoneUpdate }

// PingFrame is the server keepalive; mods answer with pong.
type PingFrame struct {
	Type string `json:"type"`
}

func (PingFrame) FrameType() string { return TypePing }

// NewPing builds a ping frame.
func NewPing() PingFrame {
	return PingFrame{Type: TypePing}
}

// CasterUpdate announces the current caster set for a race.
type CasterUpdate struct {
	Type    string      `json:"type"`
	Casters []uuid.UUID `json:"casters"`
}

func (CasterUpdate) FrameType() string { return TypeCasterUpdate }

// NewCasterUpdate builds a caster_update frame.
func NewCasterUpdate(userIDs []uuid.UUID) CasterUpdate {
	return CasterUpdate{Type: TypeCasterUpdate, Casters: userIDs}
}
