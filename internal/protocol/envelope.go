// Package protocol defines the JSON wire envelope spoken between the
// server, the game-side mod, and spectators.
//
// Every frame is a JSON object with a mandatory "type" tag. Parsing is
// strict on the tag and lenient on unknown fields so older servers accept
// frames from newer mods. A malformed frame is discarded with a log line
// by the caller — it never closes the connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame bounds. Oversize frames and overlong strings are discarded.
const (
	MaxFrameBytes  = 8 * 1024
	MaxStringBytes = 128
)

// Client → server frame tags.
const (
	TypeAuth         = "auth"
	TypeReady        = "ready"
	TypeStatusUpdate = "status_update"
	TypeEventFlag    = "event_flag"
	TypeZoneEntered  = "zone_entered"
	TypeFinished     = "finished"
	TypePong         = "pong"
)

// Server → client frame tags.
const (
	TypeAuthOK           = "auth_ok"
	TypeAuthError        = "auth_error"
	TypeError            = "error"
	TypeRaceStart        = "race_start"
	TypeRaceStatusChange = "race_status_change"
	TypeLeaderboard      = "leaderboard_update"
	TypePlayerUpdate     = "player_update"
	TypeRaceState        = "race_state"
	TypeZoneUpdate       = "zone_update"
	TypePing             = "ping"
	TypeCasterUpdate     = "caster_update"
)

// Error reasons carried on auth_error / error frames.
const (
	ReasonInvalidToken       = "invalid_token"
	ReasonReplaced           = "replaced"
	ReasonRaceNotRunning     = "race_not_running"
	ReasonServerShuttingDown = "server_shutting_down"
	ReasonSeedUnavailable    = "seed_unavailable"
	ReasonRaceModified       = "race_modified"
	ReasonAuthTimeout        = "auth_timeout"
	ReasonSendQueueFull      = "send_queue_full"
)

// Decode errors. Callers log and drop the frame.
var (
	ErrFrameTooLarge = errors.New("frame exceeds size bound")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrMalformed     = errors.New("malformed frame")
)

// ClientFrame is the union of all client → server frames. Which fields are
// meaningful depends on Type; Decode enforces the per-type requirements.
type ClientFrame struct {
	Type string `json:"type"`

	// auth
	ModToken string `json:"mod_token,omitempty"`

	// status_update / zone_entered / event_flag / finished
	IGTMs       int64   `json:"igt_ms"`
	CurrentZone *string `json:"current_zone,omitempty"`
	DeathCount  int     `json:"death_count"`
	FromZone    *string `json:"from_zone,omitempty"`
	ToZone      string  `json:"to_zone,omitempty"`
	Flag        string  `json:"flag,omitempty"`
}

// Decode parses and validates a client frame.
// Unknown fields are tolerated; unknown types, oversize payloads, missing
// required fields, and negative counters are rejected.
func Decode(data []byte) (*ClientFrame, error) {
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Type {
	case TypeAuth:
		if f.ModToken == "" || len(f.ModToken) > MaxStringBytes {
			return nil, fmt.Errorf("%w: auth requires mod_token", ErrMalformed)
		}
	case TypeReady, TypePong:
		// No payload.
	case TypeStatusUpdate:
		if err := checkCounters(f.IGTMs, f.DeathCount); err != nil {
			return nil, err
		}
		if f.CurrentZone != nil && len(*f.CurrentZone) > MaxStringBytes {
			return nil, fmt.Errorf("%w: current_zone too long", ErrMalformed)
		}
	case TypeZoneEntered:
		if err := checkCounters(f.IGTMs, 0); err != nil {
			return nil, err
		}
		if f.ToZone == "" || len(f.ToZone) > MaxStringBytes {
			return nil, fmt.Errorf("%w: zone_entered requires to_zone", ErrMalformed)
		}
		if f.FromZone != nil && len(*f.FromZone) > MaxStringBytes {
			return nil, fmt.Errorf("%w: from_zone too long", ErrMalformed)
		}
	case TypeEventFlag:
		if err := checkCounters(f.IGTMs, 0); err != nil {
			return nil, err
		}
		if f.Flag == "" || len(f.Flag) > MaxStringBytes {
			return nil, fmt.Errorf("%w: event_flag requires flag", ErrMalformed)
		}
	case TypeFinished:
		if err := checkCounters(f.IGTMs, 0); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return &f, nil
}

func checkCounters(igtMs int64, deaths int) error {
	if igtMs < 0 {
		return fmt.Errorf("%w: negative igt_ms", ErrMalformed)
	}
	if deaths < 0 {
		return fmt.Errorf("%w: negative death_count", ErrMalformed)
	}
	return nil
}
