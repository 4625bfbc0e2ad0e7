package connector

import (
	"context"
	"fmt"

	"github.com/cwhitfield/duet/pkg/auth/providers"
	"github.com/cwhitfield/duet/pkg/directory"
	"github.com/cwhitfield/duet/pkg/log"
	"github.com/cwhitfield/duet/pkg/matchmaker"
	"github.com/cwhitfield/duet/pkg/session"
	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/types"
)

// Connector drives the connection pipeline: acquire an identity, ensure
// the user record, find or create a session, attach to it live. Stages
// run strictly in order; an unrecoverable early failure halts the
// pipeline without proceeding.
//
// All collaborators are injected: the store and identity provider are
// explicit dependencies, never ambient process state, so every component
// can be exercised against fakes.
type Connector struct {
	provider   providers.IdentityProvider
	store      store.Store
	directory  *directory.UserDirectory
	matchmaker *matchmaker.Matchmaker
	sync       *session.Sync
	statusFn   status.Handler
}

type NewConnectorOptions struct {
	Provider providers.IdentityProvider
	Store    store.Store
	// StatusHandlers receive every status transition, in order, on the
	// pipeline's goroutine. Handlers must not block.
	StatusHandlers []status.Handler
	// MaxMatchAttempts bounds the matchmaking retry loop; zero means the
	// matchmaker default.
	MaxMatchAttempts int
}

// NewConnector creates a new Connector.
func NewConnector(opts NewConnectorOptions) *Connector {
	statusFn := fanout(opts.StatusHandlers)
	mm := matchmaker.NewMatchmaker(matchmaker.NewMatchmakerOptions{
		Store:       opts.Store,
		StatusFn:    statusFn,
		MaxAttempts: opts.MaxMatchAttempts,
	})
	return &Connector{
		provider: opts.Provider,
		store:    opts.Store,
		directory: directory.NewUserDirectory(directory.NewUserDirectoryOptions{
			Store:    opts.Store,
			StatusFn: statusFn,
		}),
		matchmaker: mm,
		sync: session.NewSync(session.NewSyncOptions{
			Store:      opts.Store,
			Matchmaker: mm,
			StatusFn:   statusFn,
		}),
		statusFn: statusFn,
	}
}

// Connect runs the pipeline to completion and returns the live session
// attachment. The context covers the attachment's lifetime, not just the
// call: cancelling it tears the subscription down.
func (c *Connector) Connect(ctx context.Context) (*session.Attachment, error) {
	c.statusFn.Emit(status.StatusAuthenticating)
	identity, err := c.provider.SignInAnonymously(ctx)
	if err != nil {
		c.statusFn.Emit(status.StatusAuthFailed)
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	c.statusFn.Emit(status.StatusAuthSucceeded)
	log.Debug("Signed in as %s", identity.UID)

	user, err := c.ensureUser(ctx, identity.UID)
	if err != nil {
		return nil, err
	}

	sess, err := c.matchmaker.FindOrCreateSession(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to find a session: %w", err)
	}
	c.statusFn.Emit(status.StatusFoundSessionToJoin)
	log.Info("User %s matched into session %s", user.ID, sess.ID)

	attachment, err := c.sync.Attach(ctx, sess, user)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to session %s: %w", sess.ID, err)
	}
	return attachment, nil
}

// ensureUser runs the directory stage with the retry policy from the
// error handling design: one retry, transient failures only.
func (c *Connector) ensureUser(ctx context.Context, identity string) (*types.User, error) {
	user, err := c.directory.EnsureUser(ctx, identity)
	if err == nil {
		return user, nil
	}
	if !store.IsTransient(err) {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	log.Warn("Transient directory failure for %s, retrying once: %v", identity, err)
	user, err = c.directory.EnsureUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return user, nil
}

func fanout(handlers []status.Handler) status.Handler {
	return func(s status.Status) {
		log.Debug("Status: %s (%s)", s, s.Text())
		for _, h := range handlers {
			h.Emit(s)
		}
	}
}
