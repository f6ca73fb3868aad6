// Package auth verifies the shared secret presented by relay callers.
package auth

import (
	"crypto/subtle"
	"errors"
)

// DefaultHeader is the request header carrying the caller's secret.
const DefaultHeader = "x-secret-key"

var (
	// ErrNotConfigured is returned for every caller when no secret is set.
	ErrNotConfigured = errors.New("shared secret is not configured")

	// ErrMissingSecret is returned when the caller presented no secret.
	ErrMissingSecret = errors.New("missing shared secret")

	// ErrInvalidSecret is returned when the presented secret does not match.
	ErrInvalidSecret = errors.New("invalid shared secret")
)

// Authenticator checks caller secrets against the value configured at startup.
// The configured value is immutable after construction.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator for the given secret.
// An empty secret denies every caller.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Verify returns nil when provided equals the configured secret byte for byte.
func (a *Authenticator) Verify(provided string) error {
	if !a.Enabled() {
		return ErrNotConfigured
	}
	if provided == "" {
		return ErrMissingSecret
	}
	if subtle.ConstantTimeCompare([]byte(provided), a.secret) != 1 {
		return ErrInvalidSecret
	}
	return nil
}
