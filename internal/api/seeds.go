package api

import (
	"encoding/json"
	"net/http"

	"github.com/liverace/liverace/server/internal/domain"
)

// CreateSeedRequest is the body of POST /seeds, fed by the external seed
// generator.
type CreateSeedRequest struct {
	PoolName    string            `json:"pool_name"`
	TotalLayers int               `json:"total_layers"`
	Nodes       []domain.SeedNode `json:"nodes"`
	GraphJSON   json.RawMessage   `json:"graph_json"`
}

// HandleCreateSeed inserts a pre-generated seed into a pool. Node ids must
// be unique within the seed.
func (s *Server) HandleCreateSeed(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}

	var req CreateSeedRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.PoolName == "" || req.TotalLayers <= 0 || len(req.Nodes) == 0 {
		errorJSON(w, "pool_name, total_layers and nodes are required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	seen := make(map[string]bool, len(req.Nodes))
	for _, n := range req.Nodes {
		if n.ID == "" || seen[n.ID] {
			errorJSON(w, "node ids must be unique and non-empty", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		if n.Tier < 0 || n.Tier > req.TotalLayers {
			errorJSON(w, "node tier out of range", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		seen[n.ID] = true
	}

	ctx, cancel := storeCtx(r)
	defer cancel()

	seed := &domain.Seed{
		PoolName:    req.PoolName,
		TotalLayers: req.TotalLayers,
		Nodes:       req.Nodes,
		GraphJSON:   req.GraphJSON,
	}
	if err := s.Seeds.CreateSeed(ctx, seed); err != nil {
		internalError(w, "failed to create seed", err)
		return
	}
	writeJSON(w, http.StatusCreated, seed)
}
