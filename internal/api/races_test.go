package api_test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverace/liverace/server/internal/api"
	"github.com/liverace/liverace/server/internal/domain"
)

func TestCreateRace_WithSeedPool(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	f.addSeed(t, "weekly")

	rec := f.do(t, http.MethodPost, "/api/v1/races", organizer,
		api.CreateRaceRequest{Name: "friday night", SeedPool: "weekly"})

	require.Equal(t, http.StatusCreated, rec.Code)
	race := decodeBody[domain.Race](t, rec)
	assert.Equal(t, "friday night", race.Name)
	assert.Equal(t, organizer, race.OrganizerID)
	assert.Equal(t, domain.RaceStatusSetup, race.Status)
	assert.NotNil(t, race.SeedID)
}

func TestCreateRace_WithoutSeed(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")

	rec := f.do(t, http.MethodPost, "/api/v1/races", organizer,
		api.CreateRaceRequest{Name: "seedless"})

	require.Equal(t, http.StatusCreated, rec.Code)
	race := decodeBody[domain.Race](t, rec)
	assert.Nil(t, race.SeedID)
}

func TestCreateRace_RequiresIdentity(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/races", uuid.Nil,
		api.CreateRaceRequest{Name: "anonymous"})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRace_RequiresName(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")

	rec := f.do(t, http.MethodPost, "/api/v1/races", organizer, api.CreateRaceRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRace_PoolExhausted(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")

	rec := f.do(t, http.MethodPost, "/api/v1/races", organizer,
		api.CreateRaceRequest{Name: "no seeds left", SeedPool: "empty-pool"})

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[api.APIError](t, rec)
	assert.Equal(t, "SEED_UNAVAILABLE", body.Error.Code)
}

func TestGetRace_HidesSeedBeforeRelease(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)

	rec := f.do(t, http.MethodGet, "/api/v1/races/"+race.ID.String(), organizer, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[api.RaceResponse](t, rec)
	assert.Nil(t, body.Race.SeedID)
	assert.NotNil(t, body.Participants)
}

func TestGetRace_ShowsSeedAfterRelease(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, true)

	rec := f.do(t, http.MethodGet, "/api/v1/races/"+race.ID.String(), organizer, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[api.RaceResponse](t, rec)
	require.NotNil(t, body.Race.SeedID)
	assert.Equal(t, seed.ID, *body.Race.SeedID)
}

func TestGetRace_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	user := f.addUser("someone")

	rec := f.do(t, http.MethodGet, "/api/v1/races/"+uuid.NewString(), user, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRace_MalformedID(t *testing.T) {
	f := newAPIFixture(t)
	user := f.addUser("someone")

	rec := f.do(t, http.MethodGet, "/api/v1/races/not-a-uuid", user, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterParticipant(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)

	rec := f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/participants", racer, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody[api.RegisterResponse](t, rec)
	require.NotNil(t, body.Participant)
	assert.Equal(t, racer, body.Participant.UserID)
	assert.Equal(t, domain.ParticipantRegistered, body.Participant.Status)
	assert.Equal(t, 0, body.Participant.ColorIndex)
	assert.Len(t, body.ModToken, 32)

	// The second registrant gets the next color.
	other := f.addUser("other")
	rec = f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/participants", other, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeBody[api.RegisterResponse](t, rec)
	assert.Equal(t, 1, second.Participant.ColorIndex)
}

func TestRegisterParticipant_ClosedAfterSetup(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusRunning, &seed.ID, true)

	rec := f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/participants", racer, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[api.APIError](t, rec)
	assert.Equal(t, "REGISTRATION_CLOSED", body.Error.Code)
}

func TestRegisterParticipant_CasterConflict(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	caster := f.addUser("caster")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)

	rec := f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/casters", caster, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/participants", caster, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[api.APIError](t, rec)
	assert.Equal(t, "ROLE_CONFLICT", body.Error.Code)
}

func TestReleaseAndStartFlow(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)
	base := "/api/v1/races/" + race.ID.String()

	// Start before release is rejected.
	rec := f.do(t, http.MethodPost, base+"/start", organizer, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SEEDS_NOT_RELEASED", decodeBody[api.APIError](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, base+"/release", organizer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/start", organizer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.races.GetRace(t.Context(), race.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceStatusRunning, stored.Status)
	assert.NotNil(t, stored.StartedAt)
}

func TestRelease_OnlyOrganizer(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	outsider := f.addUser("outsider")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)

	rec := f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/release", outsider, nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_ORGANIZER", decodeBody[api.APIError](t, rec).Error.Code)
}

func TestReroll_AfterReleaseRequiresNewRelease(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	first := f.addSeed(t, "weekly")
	second := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &first.ID, true)
	base := "/api/v1/races/" + race.ID.String()

	// Rerolling a released seed rebinds and pulls the race back to
	// unreleased.
	rec := f.do(t, http.MethodPost, base+"/reroll", organizer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.races.GetRace(t.Context(), race.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SeedID)
	assert.Equal(t, second.ID, *stored.SeedID)
	assert.Nil(t, stored.SeedsReleasedAt)

	// The pack gate and race start are locked again until re-release.
	rec = f.do(t, http.MethodGet, base+"/seedpack", organizer, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SEEDS_NOT_RELEASED", decodeBody[api.APIError](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, base+"/release", organizer, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	f.packs.exists[second.ID] = true
	rec = f.do(t, http.MethodGet, base+"/seedpack", organizer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[api.SeedPackResponse](t, rec)
	assert.Contains(t, body.DownloadURL, second.ID.String())
}

func TestReroll_SwapsSeed(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	first := f.addSeed(t, "weekly")
	second := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &first.ID, false)

	rec := f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/reroll", organizer, nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, err := f.races.GetRace(t.Context(), race.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SeedID)
	assert.Equal(t, second.ID, *stored.SeedID)
}

func TestAbandonParticipant_Self(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusRunning, &seed.ID, true)
	p := &domain.Participant{ID: uuid.New(), RaceID: race.ID, UserID: racer, Status: domain.ParticipantPlaying}
	f.participants.put(p)

	rec := f.do(t, http.MethodPost,
		"/api/v1/races/"+race.ID.String()+"/participants/"+p.ID.String()+"/abandon", racer, nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, err := f.participants.GetParticipant(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantAbandoned, stored.Status)
}

func TestAbandonParticipant_NotYours(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	rival := f.addUser("rival")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusRunning, &seed.ID, true)
	p := &domain.Participant{ID: uuid.New(), RaceID: race.ID, UserID: racer, Status: domain.ParticipantPlaying}
	f.participants.put(p)

	rec := f.do(t, http.MethodPost,
		"/api/v1/races/"+race.ID.String()+"/participants/"+p.ID.String()+"/abandon", rival, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAbandonParticipant_OrganizerForcesAnyState(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)
	p := &domain.Participant{ID: uuid.New(), RaceID: race.ID, UserID: racer, Status: domain.ParticipantRegistered}
	f.participants.put(p)

	rec := f.do(t, http.MethodPost,
		"/api/v1/races/"+race.ID.String()+"/participants/"+p.ID.String()+"/abandon", organizer, nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	stored, err := f.participants.GetParticipant(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantAbandoned, stored.Status)
}

func TestAbandonParticipant_WrongRace(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusRunning, &seed.ID, true)
	other := f.addRace(organizer, domain.RaceStatusRunning, &seed.ID, true)
	p := &domain.Participant{ID: uuid.New(), RaceID: other.ID, UserID: racer, Status: domain.ParticipantPlaying}
	f.participants.put(p)

	rec := f.do(t, http.MethodPost,
		"/api/v1/races/"+race.ID.String()+"/participants/"+p.ID.String()+"/abandon", racer, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSeedPack_GatedOnRelease(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)

	rec := f.do(t, http.MethodGet, "/api/v1/races/"+race.ID.String()+"/seedpack", organizer, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SEEDS_NOT_RELEASED", decodeBody[api.APIError](t, rec).Error.Code)
}

func TestSeedPack_MissingObject(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, true)

	rec := f.do(t, http.MethodGet, "/api/v1/races/"+race.ID.String()+"/seedpack", organizer, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PACK_NOT_FOUND", decodeBody[api.APIError](t, rec).Error.Code)
}

func TestSeedPack_PresignsDownload(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, true)
	f.packs.exists[seed.ID] = true

	rec := f.do(t, http.MethodGet, "/api/v1/races/"+race.ID.String()+"/seedpack", organizer, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[api.SeedPackResponse](t, rec)
	assert.Contains(t, body.DownloadURL, seed.ID.String())
}

func TestCastJoinAndLeave(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	caster := f.addUser("caster")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)
	base := "/api/v1/races/" + race.ID.String() + "/casters"

	rec := f.do(t, http.MethodPost, base, caster, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	ids, err := f.casters.ListCasters(t.Context(), race.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{caster}, ids)

	rec = f.do(t, http.MethodDelete, base, caster, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	ids, err = f.casters.ListCasters(t.Context(), race.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCastJoin_ParticipantConflict(t *testing.T) {
	f := newAPIFixture(t)
	organizer := f.addUser("organizer")
	racer := f.addUser("racer")
	seed := f.addSeed(t, "weekly")
	race := f.addRace(organizer, domain.RaceStatusSetup, &seed.ID, false)

	rec := f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/participants", racer, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/races/"+race.ID.String()+"/casters", racer, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ROLE_CONFLICT", decodeBody[api.APIError](t, rec).Error.Code)
}
