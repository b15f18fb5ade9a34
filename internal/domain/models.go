// Package domain defines the core business types shared across raced.
// These types represent the race runtime's data model — not HTTP or
// websocket wire specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the wire shape diverges from the domain type (computed
// fields like gap_ms, omitted internals like mod_token), the protocol
// package defines a dedicated DTO instead.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates a lookup for a missing resource.
var ErrNotFound = errors.New("resource not found")

// ErrRaceModified indicates an optimistic-lock conflict on a race row.
// Control callers may reload and retry.
var ErrRaceModified = errors.New("race modified concurrently")

// ErrSeedUnavailable indicates the seed pool has no unassigned seed left.
var ErrSeedUnavailable = errors.New("seed pool exhausted")

// ErrCasterConflict indicates a (race, user) pair already holds the other
// role — a participant cannot cast and a caster cannot register.
var ErrCasterConflict = errors.New("user already holds a conflicting role in this race")

// User is the slice of the external identity the runtime reads.
type User struct {
	ID          uuid.UUID `json:"id"`
	Login       string    `json:"login"`
	DisplayName string    `json:"display_name"`
}

// SeedNode is one node of a seed's layout graph.
type SeedNode struct {
	ID   string `json:"id"`
	Tier int    `json:"tier"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Seed is an immutable, pre-generated race layout. The node graph is
// append-only once the seed is attached to a race.
type Seed struct {
	ID          uuid.UUID       `json:"id"`
	PoolName    string          `json:"pool_name"`
	TotalLayers int             `json:"total_layers"`
	Nodes       []SeedNode      `json:"nodes"`
	GraphJSON   json.RawMessage `json:"graph_json,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`

	tierByNode map[string]int
}

// BuildIndex precomputes the node-id → tier lookup. Stores call it once
// after load; afterwards the seed is safe to share across goroutines.
func (s *Seed) BuildIndex() {
	s.tierByNode = make(map[string]int, len(s.Nodes))
	for _, n := range s.Nodes {
		s.tierByNode[n.ID] = n.Tier
	}
}

// NodeTier returns the tier of the given node id.
func (s *Seed) NodeTier(nodeID string) (int, bool) {
	if s.tierByNode == nil {
		s.BuildIndex()
	}
	tier, ok := s.tierByNode[nodeID]
	return tier, ok
}

// RaceStatus represents the lifecycle state of a race.
type RaceStatus string

const (
	RaceStatusSetup    RaceStatus = "setup"
	RaceStatusRunning  RaceStatus = "running"
	RaceStatusFinished RaceStatus = "finished"
)

// Race is one organized multiplayer race.
// Version is the optimistic-lock column: every persisted update includes
// WHERE version = $n and increments it.
type Race struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	OrganizerID     uuid.UUID  `json:"organizer_id"`
	Status          RaceStatus `json:"status"`
	SeedID          *uuid.UUID `json:"seed_id"`
	SeedsReleasedAt *time.Time `json:"seeds_released_at"`
	StartedAt       *time.Time `json:"started_at"`
	Version         int64      `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ParticipantStatus represents a participant's state within one race.
type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "registered"
	ParticipantReady      ParticipantStatus = "ready"
	ParticipantPlaying    ParticipantStatus = "playing"
	ParticipantFinished   ParticipantStatus = "finished"
	ParticipantAbandoned  ParticipantStatus = "abandoned"
)

// Terminal reports whether the status rejects further gameplay messages.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantFinished || s == ParticipantAbandoned
}

// ZoneVisit is one zone-history entry: the first entry into a node, with
// deaths accumulated while that node was current.
type ZoneVisit struct {
	NodeID string `json:"node_id"`
	IGTMs  int64  `json:"igt_ms"`
	Deaths int    `json:"deaths"`
}

// Participant is one racer's authoritative state, scoped to one race.
// ModToken is never serialized; it is handed out once at registration.
type Participant struct {
	ID              uuid.UUID         `json:"id"`
	RaceID          uuid.UUID         `json:"race_id"`
	UserID          uuid.UUID         `json:"user_id"`
	ModToken        string            `json:"-"`
	Status          ParticipantStatus `json:"status"`
	CurrentZone     *string           `json:"current_zone"`
	CurrentLayer    int               `json:"current_layer"`
	IGTMs           int64             `json:"igt_ms"`
	DeathCount      int               `json:"death_count"`
	ZoneHistory     []ZoneVisit       `json:"zone_history"`
	LastIGTChangeAt *time.Time        `json:"last_igt_change_at"`
	FinishedAt      *time.Time        `json:"finished_at"`
	ColorIndex      int               `json:"color_index"`
	CreatedAt       time.Time         `json:"created_at"`
}

// VisitedZone reports whether nodeID already appears in the zone history.
func (p *Participant) VisitedZone(nodeID string) bool {
	for _, v := range p.ZoneHistory {
		if v.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Caster is a privileged broadcast viewer, scoped to one race.
// Mutually exclusive with Participant for the same (race, user).
type Caster struct {
	RaceID    uuid.UUID `json:"race_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TrainingStatus represents the lifecycle state of a training session.
type TrainingStatus string

const (
	TrainingActive    TrainingStatus = "active"
	TrainingFinished  TrainingStatus = "finished"
	TrainingAbandoned TrainingStatus = "abandoned"
)

// Terminal reports whether the session rejects further gameplay messages.
func (s TrainingStatus) Terminal() bool {
	return s == TrainingFinished || s == TrainingAbandoned
}

// TrainingSession is a degenerate single-user race. Seeds backing training
// sessions are never consumed from the pool.
type TrainingSession struct {
	ID              uuid.UUID      `json:"id"`
	UserID          uuid.UUID      `json:"user_id"`
	SeedID          uuid.UUID      `json:"seed_id"`
	ModToken        string         `json:"-"`
	Status          TrainingStatus `json:"status"`
	CurrentZone     *string        `json:"current_zone"`
	CurrentLayer    int            `json:"current_layer"`
	IGTMs           int64          `json:"igt_ms"`
	DeathCount      int            `json:"death_count"`
	ProgressNodes   []ZoneVisit    `json:"progress_nodes"`
	LastIGTChangeAt *time.Time     `json:"last_igt_change_at"`
	FinishedAt      *time.Time     `json:"finished_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// VisitedZone reports whether nodeID already appears in the progress nodes.
func (t *TrainingSession) VisitedZone(nodeID string) bool {
	for _, v := range t.ProgressNodes {
		if v.NodeID == nodeID {
			return true
		}
	}
	return false
}

// GhostRun is an anonymized finished training run on the same seed,
// returned for replay. Carries no user identity.
type GhostRun struct {
	ZoneHistory []ZoneVisit `json:"zone_history"`
	IGTMs       int64       `json:"igt_ms"`
	DeathCount  int         `json:"death_count"`
}
