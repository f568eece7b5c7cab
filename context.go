package ghauth

import "context"

// Identity is the authenticated caller attached to a request context
// by the bearer middleware.
type Identity struct {
	SessionID  string
	ExternalID string
	Login      string

	// Demo is true when the identity came from the development-only
	// demo bearer rather than a real session.
	Demo bool
}

type contextKey int

const identityKey contextKey = iota

// ContextWithIdentity returns a context carrying the authenticated
// identity.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}
