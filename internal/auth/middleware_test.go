package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverace/liverace/server/internal/auth"
)

func TestNoop_PassesRequestThrough(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mw := auth.Noop()
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAPIKey_BlocksRequestWithoutAuthHeader(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	mw := auth.APIKey("my-secret-key")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing or invalid Authorization header")
}

func TestAPIKey_AllowsRequestWithCorrectKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mw := auth.APIKey("my-secret-key")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	req.Header.Set("Authorization", "Bearer my-secret-key")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAPIKey_RejectsWrongKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	mw := auth.APIKey("my-secret-key")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid API key")
}

func TestAPIKey_EmptyKeyActsAsNoop(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mw := auth.APIKey("")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAPIKey_HealthEndpointExemptFromAuth(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	mw := auth.APIKey("my-secret-key")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestAPIKey_RejectsNonBearerAuthScheme(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	mw := auth.APIKey("my-secret-key")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing or invalid Authorization header")
}

func TestAPIKey_PostToHealthRequiresAuth(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for POST /health without auth")
	})

	mw := auth.APIKey("my-secret-key")
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodPost, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentity_ParsesUserIDHeader(t *testing.T) {
	want := uuid.New()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := auth.UserID(r.Context())
		require.True(t, ok)
		assert.Equal(t, want, got)
		w.WriteHeader(http.StatusOK)
	})

	mw := auth.Identity()
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	req.Header.Set("X-User-ID", want.String())
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentity_MissingHeaderLeavesContextEmpty(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := auth.UserID(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	})

	mw := auth.Identity()
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentity_MalformedHeaderIgnored(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := auth.UserID(r.Context())
		assert.False(t, ok)
		w.WriteHeader(http.StatusOK)
	})

	mw := auth.Identity()
	wrapped := mw(handler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/races", http.NoBody)
	req.Header.Set("X-User-ID", "not-a-uuid")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
