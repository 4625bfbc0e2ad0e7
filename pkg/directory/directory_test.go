package directory

import (
	"context"
	"testing"

	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	statuses []status.Status
}

func (r *statusRecorder) handler() status.Handler {
	return func(s status.Status) {
		r.statuses = append(r.statuses, s)
	}
}

func TestUserDirectory_EnsureUser_New(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	recorder := &statusRecorder{}
	d := NewUserDirectory(NewUserDirectoryOptions{
		Store:    s,
		StatusFn: recorder.handler(),
	})

	user, err := d.EnsureUser(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", user.ID)
	assert.Equal(t, 0, user.Score)
	assert.Equal(t, []status.Status{status.StatusNewUser}, recorder.statuses)
}

func TestUserDirectory_EnsureUser_Existing(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	_, err := s.CreateDocument(ctx, types.CollectionUsers, "uid-1", map[string]interface{}{
		types.FieldScore: 42,
	})
	require.NoError(t, err)

	recorder := &statusRecorder{}
	d := NewUserDirectory(NewUserDirectoryOptions{
		Store:    s,
		StatusFn: recorder.handler(),
	})

	user, err := d.EnsureUser(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, 42, user.Score, "existing records are returned unchanged")
	assert.Equal(t, []status.Status{status.StatusExistingUser}, recorder.statuses)
}

func TestUserDirectory_EnsureUser_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	d := NewUserDirectory(NewUserDirectoryOptions{Store: s})

	first, err := d.EnsureUser(ctx, "uid-1")
	require.NoError(t, err)
	second, err := d.EnsureUser(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)

	docs, err := s.QueryDocuments(ctx, types.CollectionUsers)
	require.NoError(t, err)
	assert.Len(t, docs, 1, "two EnsureUser calls must not create two records")
}

// staleReadStore reports the user missing on the first read even though it
// exists, reproducing a concurrent registration for the same identity.
type staleReadStore struct {
	store.Store
	missedReads int
}

func (s *staleReadStore) GetDocument(ctx context.Context, collection, id string) (*store.Document, error) {
	if s.missedReads > 0 {
		s.missedReads--
		return nil, &store.ErrNotFound{}
	}
	return s.Store.GetDocument(ctx, collection, id)
}

func TestUserDirectory_EnsureUser_CreateRace(t *testing.T) {
	ctx := context.Background()
	backing := store.NewInMemoryStore()
	_, err := backing.CreateDocument(ctx, types.CollectionUsers, "uid-1", map[string]interface{}{
		types.FieldScore: 7,
	})
	require.NoError(t, err)

	recorder := &statusRecorder{}
	d := NewUserDirectory(NewUserDirectoryOptions{
		Store:    &staleReadStore{Store: backing, missedReads: 1},
		StatusFn: recorder.handler(),
	})

	user, err := d.EnsureUser(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, 7, user.Score, "the concurrently created record wins")
	assert.Equal(t, []status.Status{status.StatusExistingUser}, recorder.statuses)

	docs, err := backing.QueryDocuments(ctx, types.CollectionUsers)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
