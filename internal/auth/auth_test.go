package auth

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DonTee-Why/logstack/internal/config"
)

func testRegistry() *Registry {
	return NewRegistry(config.SecurityConfig{
		AdminToken: "admin-token-123",
		APIKeys: map[string]config.APIKey{
			"tok-active":   {Name: "svc-a", Active: true},
			"tok-inactive": {Name: "svc-b", Active: false},
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthenticate(t *testing.T) {
	r := testRegistry()

	key, err := r.Authenticate("tok-active")
	require.NoError(t, err)
	assert.Equal(t, "svc-a", key.Name)

	_, err = r.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = r.Authenticate("tok-unknown")
	assert.ErrorIs(t, err, ErrUnknownToken)

	_, err = r.Authenticate("tok-inactive")
	assert.ErrorIs(t, err, ErrInactiveToken)
}

func TestIsAdmin(t *testing.T) {
	r := testRegistry()

	assert.True(t, r.IsAdmin("admin-token-123"))
	assert.False(t, r.IsAdmin("tok-active"))
	assert.False(t, r.IsAdmin(""))

	// No configured admin token matches nothing, not everything.
	empty := NewRegistry(config.SecurityConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.False(t, empty.IsAdmin(""))
	assert.False(t, empty.IsAdmin("anything"))
}

func TestTokenPreview(t *testing.T) {
	assert.Equal(t, "abcd1234...", TokenPreview("abcd1234efgh"))
	assert.Equal(t, "invalid", TokenPreview("short"))
}
