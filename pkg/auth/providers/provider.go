package providers

import "context"

// Identity is the opaque, stable identifier an identity provider assigns
// to a signed-in client.
type Identity struct {
	UID string
}

// IdentityProvider acquires an identity for an anonymous client. The call
// blocks until the provider resolves an identity or fails; it completes
// exactly once per invocation.
type IdentityProvider interface {
	SignInAnonymously(ctx context.Context) (*Identity, error)
}
