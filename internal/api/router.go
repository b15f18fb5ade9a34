// Package api provides the HTTP surface of raced: race and seed
// management under /api/v1, and the websocket endpoints under /ws.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/liverace/liverace/server/internal/domain"
	"github.com/liverace/liverace/server/internal/room"
)

// maxJSONBodySize caps JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation     = "VALIDATION"
	ErrorTypeAuthentication = "AUTHENTICATION"
	ErrorTypeAuthorization  = "AUTHORIZATION"
	ErrorTypeNotFound       = "NOT_FOUND"
	ErrorTypeConflict       = "CONFLICT"
	ErrorTypeInternal       = "INTERNAL"
	ErrorTypeUnavailable    = "UNAVAILABLE"
)

// APIError is the JSON error envelope returned by every error response.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypeAuthorization
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. The type field is
// derived from the HTTP status code.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic
// JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// decodeJSON parses a request body into v, rejecting trailing garbage.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body != nil && !strings.HasPrefix(ct, "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// uuidParam parses a UUID URL parameter, writing a 400 on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		errorJSON(w, name+" must be a UUID", "INVALID_ARGUMENT", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// RaceStore is the race persistence surface the handlers use.
type RaceStore interface {
	GetRace(ctx context.Context, id uuid.UUID) (*domain.Race, error)
	CreateRace(ctx context.Context, r *domain.Race) error
}

// ParticipantStore is the participant persistence surface the handlers use.
type ParticipantStore interface {
	CreateParticipant(ctx context.Context, p *domain.Participant) error
	GetParticipant(ctx context.Context, id uuid.UUID) (*domain.Participant, error)
	ListByRace(ctx context.Context, raceID uuid.UUID) ([]domain.Participant, error)
	CountByRace(ctx context.Context, raceID uuid.UUID) (int, error)
}

// SeedStore is the seed persistence surface the handlers use.
type SeedStore interface {
	GetSeed(ctx context.Context, id uuid.UUID) (*domain.Seed, error)
	CreateSeed(ctx context.Context, seed *domain.Seed) error
	PickUnassigned(ctx context.Context, poolName string) (*domain.Seed, error)
}

// UserStore resolves user identities.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// CasterStore is the caster persistence surface the handlers use.
type CasterStore interface {
	AddCaster(ctx context.Context, raceID, userID uuid.UUID) error
	RemoveCaster(ctx context.Context, raceID, userID uuid.UUID) error
	ListCasters(ctx context.Context, raceID uuid.UUID) ([]uuid.UUID, error)
}

// TrainingStore is the training persistence surface the handlers use.
type TrainingStore interface {
	CreateSession(ctx context.Context, t *domain.TrainingSession) error
	GetSession(ctx context.Context, id uuid.UUID) (*domain.TrainingSession, error)
	ListGhosts(ctx context.Context, seedID, excludeSessionID uuid.UUID) ([]domain.GhostRun, error)
}

// PackStore vends seed pack downloads.
type PackStore interface {
	PackExists(ctx context.Context, seedID uuid.UUID) (bool, error)
	DownloadURL(ctx context.Context, seedID uuid.UUID) (string, error)
}

// Rooms resolves race ids to their live rooms.
type Rooms interface {
	GetOrLoad(ctx context.Context, raceID uuid.UUID) (*room.Room, error)
	Lookup(raceID uuid.UUID) (*room.Room, bool)
}

// HealthChecker verifies that a dependency is reachable and healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server holds dependencies for all API handlers.
type Server struct {
	Races        RaceStore
	Participants ParticipantStore
	Seeds        SeedStore
	Users        UserStore
	Casters      CasterStore
	Training     TrainingStore
	Packs        PackStore // nil disables the seed pack endpoint
	Rooms        Rooms

	Auth     func(http.Handler) http.Handler // API-key gate
	Identity func(http.Handler) http.Handler // X-User-ID resolution

	ModSocket       http.Handler
	SpectatorSocket http.Handler
	TrainingSocket  http.Handler

	CORSOrigins []string // defaults to ["http://localhost:3000"]

	DBHealth HealthChecker // nil = skip
	S3Health HealthChecker // nil = skip
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health (unauthenticated, outside /api/v1)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)

	// Websocket endpoints. Mod and training sockets authenticate
	// in-protocol with mod tokens; the spectator socket is public.
	r.Route("/ws", func(r chi.Router) {
		if srv.ModSocket != nil {
			r.Handle("/mod", srv.ModSocket)
		}
		if srv.TrainingSocket != nil {
			r.Handle("/training", srv.TrainingSocket)
		}
		if srv.SpectatorSocket != nil {
			r.Handle("/races/{raceID}/spectate", srv.SpectatorSocket)
		}
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}
		if srv.Identity != nil {
			r.Use(srv.Identity)
		}

		r.Route("/races", func(r chi.Router) {
			r.Post("/", srv.HandleCreateRace)
			r.Route("/{raceID}", func(r chi.Router) {
				r.Get("/", srv.HandleGetRace)
				r.Post("/release", srv.HandleReleaseSeeds)
				r.Post("/start", srv.HandleStartRace)
				r.Post("/reroll", srv.HandleRerollSeed)
				r.Post("/participants", srv.HandleRegisterParticipant)
				r.Post("/participants/{participantID}/abandon", srv.HandleAbandonParticipant)
				r.Post("/casters", srv.HandleCastJoin)
				r.Delete("/casters", srv.HandleCastLeave)
				if srv.Packs != nil {
					r.Get("/seedpack", srv.HandleSeedPack)
				}
			})
		})

		r.Post("/seeds", srv.HandleCreateSeed)

		r.Route("/training", func(r chi.Router) {
			r.Post("/", srv.HandleCreateTraining)
			r.Get("/{sessionID}/ghosts", srv.HandleListGhosts)
		})
	})

	return r
}

// storeTimeout bounds handler-initiated store calls that run outside a
// room lock.
const storeTimeout = 5 * time.Second

func storeCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), storeTimeout)
}
