package directory

import (
	"context"
	"fmt"

	"github.com/cwhitfield/duet/pkg/log"
	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/types"
)

// UserDirectory ensures a user record exists for an identity, exactly
// once. Lookups never write; creation is create-then-re-read so the
// returned record reflects store-assigned state.
type UserDirectory struct {
	store    store.Store
	statusFn status.Handler
}

type NewUserDirectoryOptions struct {
	Store    store.Store
	StatusFn status.Handler
}

// NewUserDirectory creates a new UserDirectory.
func NewUserDirectory(opts NewUserDirectoryOptions) *UserDirectory {
	return &UserDirectory{
		store:    opts.Store,
		statusFn: opts.StatusFn,
	}
}

// EnsureUser returns the user record for the identity, creating it with a
// zero score if it does not exist yet.
func (d *UserDirectory) EnsureUser(ctx context.Context, identity string) (*types.User, error) {
	doc, err := d.store.GetDocument(ctx, types.CollectionUsers, identity)
	if err == nil {
		d.statusFn.Emit(status.StatusExistingUser)
		return types.UserFromDocument(doc), nil
	}
	if !store.IsNotFound(err) {
		return nil, fmt.Errorf("failed to read user %s: %w", identity, err)
	}

	if _, err := d.store.CreateDocument(ctx, types.CollectionUsers, identity, types.NewUserFields()); err != nil {
		// A concurrent client for the same identity created the record
		// first; that is the existing-user case, not a failure.
		if !store.IsConflict(err) {
			return nil, fmt.Errorf("failed to create user %s: %w", identity, err)
		}
		log.Debug("User %s was created concurrently", identity)
		doc, err := d.store.GetDocument(ctx, types.CollectionUsers, identity)
		if err != nil {
			return nil, fmt.Errorf("failed to read user %s after create conflict: %w", identity, err)
		}
		d.statusFn.Emit(status.StatusExistingUser)
		return types.UserFromDocument(doc), nil
	}

	doc, err = d.store.GetDocument(ctx, types.CollectionUsers, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to read user %s after create: %w", identity, err)
	}
	d.statusFn.Emit(status.StatusNewUser)
	return types.UserFromDocument(doc), nil
}
