package providers

import (
	"context"

	"github.com/google/uuid"
)

var _ IdentityProvider = &StaticIdentityProvider{}

// StaticIdentityProvider resolves a fixed identity. It backs local play
// against the embedded stores and the pipeline tests.
type StaticIdentityProvider struct {
	uid string
}

// NewStaticIdentityProvider creates a provider for the given uid. An
// empty uid gets a random one, i.e. a fresh anonymous identity per run.
func NewStaticIdentityProvider(uid string) *StaticIdentityProvider {
	if uid == "" {
		uid = uuid.NewString()
	}
	return &StaticIdentityProvider{
		uid: uid,
	}
}

func (p *StaticIdentityProvider) SignInAnonymously(ctx context.Context) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Identity{UID: p.uid}, nil
}
