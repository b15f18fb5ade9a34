package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/auth"
	"github.com/liverace/liverace/server/internal/domain"
)

// CreateTrainingRequest is the body of POST /training.
type CreateTrainingRequest struct {
	SeedID uuid.UUID `json:"seed_id"`
}

// CreateTrainingResponse carries the session and its one-time mod token.
type CreateTrainingResponse struct {
	Session  *domain.TrainingSession `json:"session"`
	ModToken string                  `json:"mod_token"`
}

// HandleCreateTraining starts a solo training session on an existing seed.
// Training never consumes the seed from its pool.
func (s *Server) HandleCreateTraining(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}

	var req CreateTrainingRequest
	if err := decodeJSON(r, &req); err != nil || req.SeedID == uuid.Nil {
		errorJSON(w, "seed_id is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	if _, err := s.Seeds.GetSeed(ctx, req.SeedID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "seed not found", "SEED_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load seed", err)
		return
	}

	token, err := auth.NewModToken()
	if err != nil {
		internalError(w, "failed to generate mod token", err)
		return
	}

	sess := &domain.TrainingSession{
		UserID:   userID,
		SeedID:   req.SeedID,
		ModToken: auth.HashModToken(token),
	}
	if err := s.Training.CreateSession(ctx, sess); err != nil {
		internalError(w, "failed to create training session", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateTrainingResponse{Session: sess, ModToken: token})
}

// HandleListGhosts returns anonymized finished runs on the session's seed,
// excluding the session itself, fastest first.
func (s *Server) HandleListGhosts(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	sessionID, ok := uuidParam(w, r, "sessionID")
	if !ok {
		return
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	sess, err := s.Training.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "training session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load training session", err)
		return
	}
	if sess.UserID != userID {
		errorJSON(w, "not your training session", "FORBIDDEN", http.StatusForbidden)
		return
	}

	ghosts, err := s.Training.ListGhosts(ctx, sess.SeedID, sess.ID)
	if err != nil {
		internalError(w, "failed to list ghosts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ghosts": ghosts})
}
