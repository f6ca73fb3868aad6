// Package transport defines the per-request delivery sessions used by the relay.
package transport

import (
	"context"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// Transport opens delivery sessions. Implementations must not reuse
// connections or credentials across calls to Open.
type Transport interface {
	// Open establishes a session with the given request-scoped parameters.
	// The session stays bound to ctx: cancelling ctx aborts it.
	Open(ctx context.Context, cfg email.SMTPConfig) (Session, error)

	// Name returns the human-readable name of this transport.
	Name() string
}

// Session submits exactly one message and is then closed.
type Session interface {
	// Send submits msg and returns the provider-assigned message identifier.
	Send(ctx context.Context, msg email.Message) (string, error)

	// Close releases the session. It must be safe to call after a failed Send.
	Close() error
}

// Router sends requests for hosts matched by Match to Alternate and
// everything else to Default.
type Router struct {
	Default   Transport
	Alternate Transport
	Match     func(host string) bool
}

// Open dispatches on cfg.Host.
func (r *Router) Open(ctx context.Context, cfg email.SMTPConfig) (Session, error) {
	if r.Alternate != nil && r.Match != nil && r.Match(cfg.Host) {
		return r.Alternate.Open(ctx, cfg)
	}
	return r.Default.Open(ctx, cfg)
}

// Name returns the name of the default transport.
func (r *Router) Name() string {
	if r.Alternate == nil {
		return r.Default.Name()
	}
	return r.Default.Name() + "+" + r.Alternate.Name()
}
