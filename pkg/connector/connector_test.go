package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwhitfield/duet/pkg/auth/providers"
	"github.com/cwhitfield/duet/pkg/session"
	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []status.Status
}

func (r *statusRecorder) handler() status.Handler {
	return func(s status.Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, s)
	}
}

func (r *statusRecorder) all() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]status.Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

type failingProvider struct {
	err error
}

func (p *failingProvider) SignInAnonymously(ctx context.Context) (*providers.Identity, error) {
	return nil, p.err
}

func nextUpdate(t *testing.T, a *session.Attachment) *types.Session {
	t.Helper()
	select {
	case sess, ok := <-a.Updates():
		require.True(t, ok, "updates channel closed unexpectedly: %v", a.Err())
		return sess
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session update")
		return nil
	}
}

func TestConnector_Connect_NewUser(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	recorder := &statusRecorder{}

	c := NewConnector(NewConnectorOptions{
		Provider:       providers.NewStaticIdentityProvider("uid-1"),
		Store:          s,
		StatusHandlers: []status.Handler{recorder.handler()},
	})

	attachment, err := c.Connect(ctx)
	require.NoError(t, err)
	defer attachment.Close()

	sess := nextUpdate(t, attachment)
	assert.Equal(t, []string{"uid-1"}, sess.Players)
	assert.True(t, sess.Open)
	assert.Equal(t, 0, attachment.Seat())

	assert.Equal(t, []status.Status{
		status.StatusAuthenticating,
		status.StatusAuthSucceeded,
		status.StatusNewUser,
		status.StatusLookingForSession,
		status.StatusStartingNewSession,
		status.StatusFoundSessionToJoin,
		status.StatusWaitingForOpponent,
	}, recorder.all())
}

func TestConnector_Connect_TwoClientsPairUp(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	first := NewConnector(NewConnectorOptions{
		Provider: providers.NewStaticIdentityProvider("uid-1"),
		Store:    s,
	})
	a1, err := first.Connect(ctx)
	require.NoError(t, err)
	defer a1.Close()
	nextUpdate(t, a1)

	recorder := &statusRecorder{}
	second := NewConnector(NewConnectorOptions{
		Provider:       providers.NewStaticIdentityProvider("uid-2"),
		Store:          s,
		StatusHandlers: []status.Handler{recorder.handler()},
	})
	a2, err := second.Connect(ctx)
	require.NoError(t, err)
	defer a2.Close()

	sess2 := nextUpdate(t, a2)
	assert.Equal(t, []string{"uid-1", "uid-2"}, sess2.Players)
	assert.False(t, sess2.Open)
	assert.Equal(t, 1, a2.Seat())

	// The first client sees the join arrive on its own subscription.
	sess1 := nextUpdate(t, a1)
	assert.Equal(t, sess2.ID, sess1.ID)
	assert.Equal(t, []string{"uid-1", "uid-2"}, sess1.Players)
	assert.Equal(t, 0, a1.Seat())

	assert.Equal(t, []status.Status{
		status.StatusAuthenticating,
		status.StatusAuthSucceeded,
		status.StatusNewUser,
		status.StatusJoiningOpenSession,
		status.StatusFoundSessionToJoin,
	}, recorder.all())
}

func TestConnector_Connect_ExistingUserReconnects(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	c := NewConnector(NewConnectorOptions{
		Provider: providers.NewStaticIdentityProvider("uid-1"),
		Store:    s,
	})
	a1, err := c.Connect(ctx)
	require.NoError(t, err)
	first := nextUpdate(t, a1)
	a1.Close()

	recorder := &statusRecorder{}
	again := NewConnector(NewConnectorOptions{
		Provider:       providers.NewStaticIdentityProvider("uid-1"),
		Store:          s,
		StatusHandlers: []status.Handler{recorder.handler()},
	})
	a2, err := again.Connect(ctx)
	require.NoError(t, err)
	defer a2.Close()

	sess := nextUpdate(t, a2)
	assert.Equal(t, first.ID, sess.ID, "reconnect lands in the same session")
	assert.Contains(t, recorder.all(), status.StatusExistingUser)
	assert.Contains(t, recorder.all(), status.StatusContinuingExistingSession)

	docs, err := s.QueryDocuments(ctx, types.CollectionUsers)
	require.NoError(t, err)
	assert.Len(t, docs, 1, "reconnecting must not create a second user record")
}

func TestConnector_Connect_AuthFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	recorder := &statusRecorder{}

	c := NewConnector(NewConnectorOptions{
		Provider:       &failingProvider{err: errors.New("identity service unreachable")},
		Store:          store.NewInMemoryStore(),
		StatusHandlers: []status.Handler{recorder.handler()},
	})

	_, err := c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, []status.Status{
		status.StatusAuthenticating,
		status.StatusAuthFailed,
	}, recorder.all())
}
