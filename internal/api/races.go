package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/auth"
	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/room"
)

// maxRaceNameLength bounds race names.
const maxRaceNameLength = 128

// caller extracts the authenticated user id, writing a 401 if absent.
func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		errorJSON(w, "missing X-User-ID", "UNAUTHENTICATED", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

// controlError maps room and store errors from control operations to HTTP
// responses.
func controlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		errorJSON(w, "race not found", "RACE_NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, room.ErrNotOrganizer):
		errorJSON(w, "only the organizer may do this", "NOT_ORGANIZER", http.StatusForbidden)
	case errors.Is(err, room.ErrRaceNotSetup):
		errorJSON(w, "race is past setup", "RACE_NOT_SETUP", http.StatusConflict)
	case errors.Is(err, room.ErrAlreadyReleased):
		errorJSON(w, "seeds already released", "SEEDS_ALREADY_RELEASED", http.StatusConflict)
	case errors.Is(err, room.ErrSeedsNotReleased):
		errorJSON(w, "seeds not released yet", "SEEDS_NOT_RELEASED", http.StatusConflict)
	case errors.Is(err, room.ErrNoSeed):
		errorJSON(w, "race has no seed assigned", "NO_SEED", http.StatusConflict)
	case errors.Is(err, domain.ErrRaceModified):
		errorJSON(w, "race was modified concurrently, retry", "RACE_MODIFIED", http.StatusConflict)
	case errors.Is(err, domain.ErrSeedUnavailable):
		errorJSON(w, "seed pool exhausted", "SEED_UNAVAILABLE", http.StatusConflict)
	default:
		internalError(w, "race control operation failed", err)
	}
}

// CreateRaceRequest is the body of POST /races.
type CreateRaceRequest struct {
	Name     string `json:"name"`
	SeedPool string `json:"seed_pool"`
}

// HandleCreateRace creates a race in SETUP state, optionally binding an
// unassigned seed from the named pool.
func (s *Server) HandleCreateRace(w http.ResponseWriter, r *http.Request) {
	organizerID, ok := caller(w, r)
	if !ok {
		return
	}

	var req CreateRaceRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Name) > maxRaceNameLength {
		errorJSON(w, "name is required (max 128 chars)", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	race := &domain.Race{Name: req.Name, OrganizerID: organizerID}
	if req.SeedPool != "" {
		seed, err := s.Seeds.PickUnassigned(ctx, req.SeedPool)
		if err != nil {
			if errors.Is(err, domain.ErrSeedUnavailable) {
				errorJSON(w, "seed pool exhausted", "SEED_UNAVAILABLE", http.StatusConflict)
				return
			}
			internalError(w, "failed to pick seed", err)
			return
		}
		race.SeedID = &seed.ID
	}

	if err := s.Races.CreateRace(ctx, race); err != nil {
		internalError(w, "failed to create race", err)
		return
	}
	writeJSON(w, http.StatusCreated, race)
}

// RaceResponse is the body of GET /races/{raceID}.
type RaceResponse struct {
	Race         *domain.Race         `json:"race"`
	Participants []domain.Participant `json:"participants"`
}

// HandleGetRace returns a race with its participants. The seed stays
// hidden until released.
func (s *Server) HandleGetRace(w http.ResponseWriter, r *http.Request) {
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	race, err := s.Races.GetRace(ctx, raceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "race not found", "RACE_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load race", err)
		return
	}
	if race.SeedsReleasedAt == nil {
		race.SeedID = nil
	}

	participants, err := s.Participants.ListByRace(ctx, raceID)
	if err != nil {
		internalError(w, "failed to load participants", err)
		return
	}
	if participants == nil {
		participants = []domain.Participant{}
	}
	writeJSON(w, http.StatusOK, RaceResponse{Race: race, Participants: participants})
}

// HandleReleaseSeeds reveals the race's seed to participants.
func (s *Server) HandleReleaseSeeds(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, func(rm *room.Room, callerID uuid.UUID) error {
		return rm.ReleaseSeeds(r.Context(), callerID)
	})
}

// HandleStartRace transitions the race to RUNNING.
func (s *Server) HandleStartRace(w http.ResponseWriter, r *http.Request) {
	s.handleControl(w, r, func(rm *room.Room, callerID uuid.UUID) error {
		return rm.StartRace(r.Context(), callerID)
	})
}

// RerollRequest is the body of POST /races/{raceID}/reroll.
type RerollRequest struct {
	SeedPool string `json:"seed_pool"`
}

// HandleRerollSeed swaps the race's seed during setup. Rerolling a
// released seed pulls the race back to unreleased.
func (s *Server) HandleRerollSeed(w http.ResponseWriter, r *http.Request) {
	var req RerollRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}
	s.handleControl(w, r, func(rm *room.Room, callerID uuid.UUID) error {
		return rm.RerollSeed(r.Context(), callerID, req.SeedPool)
	})
}

// handleControl runs one organizer control operation against the race's
// room.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, op func(*room.Room, uuid.UUID) error) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}

	rm, err := s.Rooms.GetOrLoad(r.Context(), raceID)
	if err != nil {
		controlError(w, err)
		return
	}
	if err := op(rm, callerID); err != nil {
		controlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterResponse is the body of POST /races/{raceID}/participants. The
// mod token appears here exactly once; only its hash is stored.
type RegisterResponse struct {
	Participant *domain.Participant `json:"participant"`
	ModToken    string              `json:"mod_token"`
}

// HandleRegisterParticipant registers the calling user into a race.
func (s *Server) HandleRegisterParticipant(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	race, err := s.Races.GetRace(ctx, raceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "race not found", "RACE_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load race", err)
		return
	}
	if race.Status != domain.RaceStatusSetup {
		errorJSON(w, "registration is closed", "REGISTRATION_CLOSED", http.StatusConflict)
		return
	}

	user, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "unknown user", "USER_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load user", err)
		return
	}

	token, err := auth.NewModToken()
	if err != nil {
		internalError(w, "failed to generate mod token", err)
		return
	}

	count, err := s.Participants.CountByRace(ctx, raceID)
	if err != nil {
		internalError(w, "failed to count participants", err)
		return
	}

	p := &domain.Participant{
		RaceID:     raceID,
		UserID:     userID,
		ModToken:   auth.HashModToken(token),
		ColorIndex: count,
	}
	if err := s.Participants.CreateParticipant(ctx, p); err != nil {
		if errors.Is(err, domain.ErrCasterConflict) {
			errorJSON(w, "user is already casting this race", "ROLE_CONFLICT", http.StatusConflict)
			return
		}
		internalError(w, "failed to register participant", err)
		return
	}

	if rm, loaded := s.Rooms.Lookup(raceID); loaded {
		rm.AddParticipant(*p, *user)
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{Participant: p, ModToken: token})
}

// HandleAbandonParticipant abandons a participant: racers abandon
// themselves, organizers force-abandon anyone.
func (s *Server) HandleAbandonParticipant(w http.ResponseWriter, r *http.Request) {
	callerID, ok := caller(w, r)
	if !ok {
		return
	}
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}
	participantID, ok := uuidParam(w, r, "participantID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	p, err := s.Participants.GetParticipant(ctx, participantID)
	if err != nil || p.RaceID != raceID {
		errorJSON(w, "participant not found", "PARTICIPANT_NOT_FOUND", http.StatusNotFound)
		return
	}

	rm, err := s.Rooms.GetOrLoad(r.Context(), raceID)
	if err != nil {
		controlError(w, err)
		return
	}

	force := callerID == rm.OrganizerID()
	if !force && callerID != p.UserID {
		errorJSON(w, "not your participant", "FORBIDDEN", http.StatusForbidden)
		return
	}

	if err := rm.Abandon(r.Context(), participantID, force); err != nil {
		switch {
		case errors.Is(err, room.ErrRaceNotRunning):
			errorJSON(w, "race is not running", "RACE_NOT_RUNNING", http.StatusConflict)
		case errors.Is(err, room.ErrNotPlaying):
			errorJSON(w, "participant is not playing", "NOT_PLAYING", http.StatusConflict)
		case errors.Is(err, room.ErrUnknownParticipant):
			errorJSON(w, "participant not found", "PARTICIPANT_NOT_FOUND", http.StatusNotFound)
		default:
			internalError(w, "failed to abandon participant", err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCastJoin adds the calling user as a caster of the race.
func (s *Server) HandleCastJoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	if err := s.Casters.AddCaster(ctx, raceID, userID); err != nil {
		if errors.Is(err, domain.ErrCasterConflict) {
			errorJSON(w, "user is racing in this race", "ROLE_CONFLICT", http.StatusConflict)
			return
		}
		internalError(w, "failed to add caster", err)
		return
	}
	s.refreshCasters(r, raceID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCastLeave removes the calling user from the race's casters.
func (s *Server) HandleCastLeave(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	if err := s.Casters.RemoveCaster(ctx, raceID, userID); err != nil {
		internalError(w, "failed to remove caster", err)
		return
	}
	s.refreshCasters(r, raceID)
	w.WriteHeader(http.StatusNoContent)
}

// refreshCasters pushes the current caster set into the live room, if one
// is loaded. Best-effort; the next room load re-reads the store.
func (s *Server) refreshCasters(r *http.Request, raceID uuid.UUID) {
	rm, loaded := s.Rooms.Lookup(raceID)
	if !loaded {
		return
	}
	ctx, cancel := storeCtx(r)
	defer cancel()
	ids, err := s.Casters.ListCasters(ctx, raceID)
	if err != nil {
		return
	}
	rm.RefreshCasters(ids)
}

// SeedPackResponse is the body of GET /races/{raceID}/seedpack.
type SeedPackResponse struct {
	DownloadURL string `json:"download_url"`
}

// HandleSeedPack hands out a presigned download link for the race's seed
// pack. Gated on seed release: before the organizer releases, the pack is
// invisible even to registered racers.
func (s *Server) HandleSeedPack(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	raceID, ok := uuidParam(w, r, "raceID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	race, err := s.Races.GetRace(ctx, raceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "race not found", "RACE_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load race", err)
		return
	}
	if race.SeedsReleasedAt == nil {
		errorJSON(w, "seeds not released yet", "SEEDS_NOT_RELEASED", http.StatusConflict)
		return
	}
	if race.SeedID == nil {
		errorJSON(w, "race has no seed assigned", "NO_SEED", http.StatusConflict)
		return
	}

	exists, err := s.Packs.PackExists(ctx, *race.SeedID)
	if err != nil {
		internalError(w, "failed to check seed pack", err)
		return
	}
	if !exists {
		errorJSON(w, "no pack stored for this seed", "PACK_NOT_FOUND", http.StatusNotFound)
		return
	}

	url, err := s.Packs.DownloadURL(ctx, *race.SeedID)
	if err != nil {
		internalError(w, "failed to presign seed pack", err)
		return
	}
	writeJSON(w, http.StatusOK, SeedPackResponse{DownloadURL: url})
}
