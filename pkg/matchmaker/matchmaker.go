package matchmaker

import (
	"context"
	"fmt"

	"github.com/cwhitfield/duet/pkg/log"
	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/types"
)

const (
	// DefaultMaxAttempts bounds the retry-with-re-discovery loop. The
	// exact bound is not load-bearing beyond making contention terminate.
	DefaultMaxAttempts = 3
)

// ErrContention reports that every matchmaking attempt lost its join race
// within the attempt ceiling.
type ErrContention struct {
	Attempts int
}

func (e *ErrContention) Error() string {
	return fmt.Sprintf("matchmaking contention: lost %d join attempts", e.Attempts)
}

// IsContention reports whether err is a matchmaking contention error.
func IsContention(err error) bool {
	_, ok := err.(*ErrContention)
	return ok
}

// Matchmaker finds or creates exactly one session for a user. Multiple
// clients run this concurrently with no shared state beyond the store;
// the only synchronization primitive is the store's per-document
// conditional update.
type Matchmaker struct {
	store       store.Store
	statusFn    status.Handler
	maxAttempts int
}

type NewMatchmakerOptions struct {
	Store    store.Store
	StatusFn status.Handler
	// MaxAttempts bounds the join retry loop; zero means DefaultMaxAttempts.
	MaxAttempts int
}

// NewMatchmaker creates a new Matchmaker.
func NewMatchmaker(opts NewMatchmakerOptions) *Matchmaker {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Matchmaker{
		store:       opts.Store,
		statusFn:    opts.StatusFn,
		maxAttempts: maxAttempts,
	}
}

// FindOrCreateSession resolves the one session the user should occupy:
// the session they are already in if any, otherwise the first open
// session, otherwise a brand-new one. Lost join races re-enter discovery
// rather than failing, bounded by the attempt ceiling. Attempts run
// strictly one after another; a retry is only issued once the prior
// join's outcome is known.
func (m *Matchmaker) FindOrCreateSession(ctx context.Context, user *types.User) (*types.Session, error) {
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		session, retry, err := m.discover(ctx, user)
		if err != nil {
			return nil, err
		}
		if retry {
			log.Debug("Matchmaking attempt %d for user %s lost the join race, re-discovering", attempt, user.ID)
			continue
		}
		return session, nil
	}
	return nil, &ErrContention{Attempts: m.maxAttempts}
}

// discover runs one pass of the matchmaking algorithm. A true retry
// result means a join race was lost and discovery should re-run.
func (m *Matchmaker) discover(ctx context.Context, user *types.User) (*types.Session, bool, error) {
	openDocs, err := m.store.QueryDocuments(ctx, types.CollectionGames, store.Filter{
		Field: types.FieldOpen,
		Op:    store.OpEqual,
		Value: true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to query open sessions: %w", err)
	}

	// Reconnect path first: a user already seated in an open session must
	// get that session back, never a second one.
	for _, doc := range openDocs {
		session := types.SessionFromDocument(doc)
		if session.HasPlayer(user.ID) {
			m.statusFn.Emit(status.StatusContinuingExistingSession)
			return session, false, nil
		}
	}

	// Before creating or joining anything, check for a session the user
	// already belongs to. Without this a reconnecting user whose session
	// has closed would be matched into a stranger's open session and end
	// up in two sessions at once.
	if len(openDocs) == 0 {
		m.statusFn.Emit(status.StatusLookingForSession)
	}
	existing, err := m.findExisting(ctx, user)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if len(openDocs) == 0 {
		m.statusFn.Emit(status.StatusStartingNewSession)
		doc, err := m.store.CreateDocument(ctx, types.CollectionGames, "", types.NewSessionFields(user.ID))
		if err != nil {
			return nil, false, fmt.Errorf("failed to create session: %w", err)
		}
		return types.SessionFromDocument(doc), false, nil
	}

	// Arbitrary tie-break: first open session in store order.
	candidate := types.SessionFromDocument(openDocs[0])
	m.statusFn.Emit(status.StatusJoiningOpenSession)
	err = m.store.ConditionalUpdate(ctx, types.CollectionGames, candidate.ID,
		types.JoinFields(candidate.Players, user.ID), candidate.Version)
	if err != nil {
		// Conflict: somebody else took the slot. Not found: the session
		// vanished under us. Both mean re-discover, never fail the caller.
		if store.IsConflict(err) || store.IsNotFound(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to join session %s: %w", candidate.ID, err)
	}

	doc, err := m.store.GetDocument(ctx, types.CollectionGames, candidate.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to read session %s after join: %w", candidate.ID, err)
	}
	return types.SessionFromDocument(doc), false, nil
}

// findExisting looks for any session, open or closed, that already lists
// the user. It returns nil when there is none.
func (m *Matchmaker) findExisting(ctx context.Context, user *types.User) (*types.Session, error) {
	docs, err := m.store.QueryDocuments(ctx, types.CollectionGames, store.Filter{
		Field: types.FieldPlayers,
		Op:    store.OpArrayContains,
		Value: user.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions for user %s: %w", user.ID, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	session := types.SessionFromDocument(docs[0])
	if !session.Open {
		m.statusFn.Emit(status.StatusFoundRunningSession)
		return session, nil
	}
	// Still open: the open-session query missed it (stale read).
	// Returning it keeps the user out of a second open session.
	m.statusFn.Emit(status.StatusContinuingExistingSession)
	return session, nil
}
