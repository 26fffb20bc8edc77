// Package auth validates bearer tokens against the configured API key registry.
//
// Tokens are opaque strings compared against a static map loaded from
// configuration. A separate admin token gates the administrative endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"

	"github.com/DonTee-Why/logstack/internal/config"
)

// Authentication failure modes. The HTTP layer maps ErrMissingToken to 403
// and the other two to 401.
var (
	ErrMissingToken  = errors.New("auth: missing authentication token")
	ErrUnknownToken  = errors.New("auth: invalid authentication token")
	ErrInactiveToken = errors.New("auth: authentication token is inactive")
)

// Registry authenticates bearer tokens against configured API keys.
// Read-only after construction; safe for concurrent use.
type Registry struct {
	keys       map[string]config.APIKey
	adminToken string
	logger     *slog.Logger
}

// NewRegistry creates a Registry from security configuration.
func NewRegistry(cfg config.SecurityConfig, logger *slog.Logger) *Registry {
	return &Registry{
		keys:       cfg.APIKeys,
		adminToken: cfg.AdminToken,
		logger:     logger,
	}
}

// Authenticate validates a bearer token and returns its key metadata.
func (r *Registry) Authenticate(token string) (config.APIKey, error) {
	if token == "" {
		return config.APIKey{}, ErrMissingToken
	}
	key, ok := r.keys[token]
	if !ok {
		r.logger.Warn("authentication failed: unknown token", "token", TokenPreview(token))
		return config.APIKey{}, ErrUnknownToken
	}
	if !key.Active {
		r.logger.Warn("authentication failed: inactive token",
			"token", TokenPreview(token), "key_name", key.Name)
		return config.APIKey{}, ErrInactiveToken
	}
	return key, nil
}

// IsAdmin reports whether token matches the configured admin token.
// Comparison is constant-time; an empty configured admin token matches nothing.
func (r *Registry) IsAdmin(token string) bool {
	if r.adminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.adminToken)) == 1
}

// TokenPreview returns a loggable prefix of a token. Tokens are never logged
// in full.
func TokenPreview(token string) string {
	if len(token) < 8 {
		return "invalid"
	}
	return token[:8] + "..."
}
