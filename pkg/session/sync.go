package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/cwhitfield/duet/pkg/log"
	"github.com/cwhitfield/duet/pkg/matchmaker"
	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/types"
)

// Sync attaches clients to live session documents and keeps a local view
// of the session current. When a session document vanishes mid-game the
// attachment silently re-enters matchmaking and carries on with whatever
// session comes back.
type Sync struct {
	store      store.Store
	matchmaker *matchmaker.Matchmaker
	statusFn   status.Handler
}

type NewSyncOptions struct {
	Store      store.Store
	Matchmaker *matchmaker.Matchmaker
	StatusFn   status.Handler
}

// NewSync creates a new Sync.
func NewSync(opts NewSyncOptions) *Sync {
	return &Sync{
		store:      opts.Store,
		matchmaker: opts.Matchmaker,
		statusFn:   opts.StatusFn,
	}
}

// Attach subscribes to the session's live changes on behalf of the user.
// The seat index is computed once here and stays fixed for as long as the
// attachment follows this session.
func (s *Sync) Attach(ctx context.Context, sess *types.Session, user *types.User) (*Attachment, error) {
	seat := sess.Seat(user.ID)
	if seat < 0 {
		return nil, fmt.Errorf("user %s has no seat in session %s", user.ID, sess.ID)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &Attachment{
		sync:      s,
		user:      user,
		updates:   make(chan *types.Session),
		cancel:    cancel,
		sessionID: sess.ID,
		seat:      seat,
	}

	sub, err := s.store.Subscribe(ctx, types.CollectionGames, sess.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", sess.ID, err)
	}
	go a.run(ctx, sub)
	return a, nil
}

// Attachment is one client's live connection to one session. Updates
// delivers full session snapshots in the store's commit order for the
// session document until the attachment is closed.
type Attachment struct {
	sync    *Sync
	user    *types.User
	updates chan *types.Session
	cancel  context.CancelFunc

	mu        sync.Mutex
	sessionID string
	seat      int
	err       error
}

// Updates returns the snapshot channel. It is closed when the attachment
// is closed or fails; Err distinguishes the two.
func (a *Attachment) Updates() <-chan *types.Session {
	return a.updates
}

// SessionID returns the id of the currently attached session.
func (a *Attachment) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Seat returns the user's seat in the currently attached session.
func (a *Attachment) Seat() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seat
}

// Err returns the failure that ended the attachment, if any.
func (a *Attachment) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Push merges the given fields into the current session document. It does
// not wait for the resulting snapshot; the next update will reflect it.
func (a *Attachment) Push(ctx context.Context, fields map[string]interface{}) error {
	id := a.SessionID()
	if err := a.sync.store.MergeUpdate(ctx, types.CollectionGames, id, fields); err != nil {
		return fmt.Errorf("failed to push update to session %s: %w", id, err)
	}
	return nil
}

// Close tears the attachment down, cancelling the live subscription. No
// further writes are issued on behalf of this attachment.
func (a *Attachment) Close() {
	a.cancel()
}

func (a *Attachment) run(ctx context.Context, sub store.Subscription) {
	defer close(a.updates)
	defer func() {
		sub.Cancel()
	}()

	waiting := false
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Snapshots():
			if !ok {
				a.setErr(sub.Err())
				return
			}
			if !snap.Exists {
				next, err := a.recover(ctx)
				if err != nil {
					a.setErr(err)
					return
				}
				sub.Cancel()
				sub = next
				waiting = false
				continue
			}

			sess := types.SessionFromDocument(snap.Document)
			if sess.Open && !waiting {
				a.sync.statusFn.Emit(status.StatusWaitingForOpponent)
				waiting = true
			}
			if !sess.Open {
				waiting = false
			}

			select {
			case <-ctx.Done():
				return
			case a.updates <- sess:
			}
		}
	}
}

// recover handles a vanished session document: re-enter matchmaking for
// the same user and re-attach to whatever session comes back. This is a
// normal lifecycle event, not an error.
func (a *Attachment) recover(ctx context.Context) (store.Subscription, error) {
	log.Debug("Session %s vanished, re-entering matchmaking for user %s", a.SessionID(), a.user.ID)

	sess, err := a.sync.matchmaker.FindOrCreateSession(ctx, a.user)
	if err != nil {
		return nil, fmt.Errorf("failed to rematch after session loss: %w", err)
	}
	seat := sess.Seat(a.user.ID)
	if seat < 0 {
		return nil, fmt.Errorf("user %s has no seat in rematched session %s", a.user.ID, sess.ID)
	}

	sub, err := a.sync.store.Subscribe(ctx, types.CollectionGames, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", sess.ID, err)
	}

	a.mu.Lock()
	a.sessionID = sess.ID
	a.seat = seat
	a.mu.Unlock()
	return sub, nil
}

func (a *Attachment) setErr(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}
