package auth_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liverace/liverace/server/internal/auth"
)

func TestNewModToken_Is32HexChars(t *testing.T) {
	token, err := auth.NewModToken()
	require.NoError(t, err)

	assert.Len(t, token, 32)
	_, err = hex.DecodeString(token)
	assert.NoError(t, err)
}

func TestNewModToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := auth.NewModToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token minted")
		seen[token] = true
	}
}

func TestHashModToken_Deterministic(t *testing.T) {
	a := auth.HashModToken("some-token")
	b := auth.HashModToken("some-token")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex sha-256
	assert.NotEqual(t, a, auth.HashModToken("other-token"))
}

func TestHashModToken_NeverEchoesInput(t *testing.T) {
	token, err := auth.NewModToken()
	require.NoError(t, err)

	assert.NotContains(t, auth.HashModToken(token), token)
}
