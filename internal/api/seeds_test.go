package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverace/liverace/server/internal/api"
	"github.com/liverace/liverace/server/internal/domain"
)

func validSeedRequest() api.CreateSeedRequest {
	return api.CreateSeedRequest{
		PoolName:    "weekly",
		TotalLayers: 3,
		Nodes: []domain.SeedNode{
			{ID: "surface", Tier: 0, Kind: "hub"},
			{ID: "l1-a", Tier: 1, Kind: "zone"},
			{ID: "l2-a", Tier: 2, Kind: "zone"},
			{ID: "l3-a", Tier: 3, Kind: "goal"},
		},
	}
}

func TestCreateSeed(t *testing.T) {
	f := newAPIFixture(t)
	generator := f.addUser("generator")

	rec := f.do(t, http.MethodPost, "/api/v1/seeds", generator, validSeedRequest())

	require.Equal(t, http.StatusCreated, rec.Code)
	seed := decodeBody[domain.Seed](t, rec)
	assert.Equal(t, "weekly", seed.PoolName)
	assert.Len(t, seed.Nodes, 4)

	// The new seed is immediately pickable from its pool.
	picked, err := f.seeds.PickUnassigned(t.Context(), "weekly")
	require.NoError(t, err)
	assert.Equal(t, seed.ID, picked.ID)
}

func TestCreateSeed_RequiresFields(t *testing.T) {
	f := newAPIFixture(t)
	generator := f.addUser("generator")

	req := validSeedRequest()
	req.PoolName = ""
	rec := f.do(t, http.MethodPost, "/api/v1/seeds", generator, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = validSeedRequest()
	req.TotalLayers = 0
	rec = f.do(t, http.MethodPost, "/api/v1/seeds", generator, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = validSeedRequest()
	req.Nodes = nil
	rec = f.do(t, http.MethodPost, "/api/v1/seeds", generator, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSeed_RejectsDuplicateNodeIDs(t *testing.T) {
	f := newAPIFixture(t)
	generator := f.addUser("generator")

	req := validSeedRequest()
	req.Nodes[1].ID = req.Nodes[0].ID
	rec := f.do(t, http.MethodPost, "/api/v1/seeds", generator, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSeed_RejectsTierOutOfRange(t *testing.T) {
	f := newAPIFixture(t)
	generator := f.addUser("generator")

	req := validSeedRequest()
	req.Nodes[2].Tier = 7
	rec := f.do(t, http.MethodPost, "/api/v1/seeds", generator, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
