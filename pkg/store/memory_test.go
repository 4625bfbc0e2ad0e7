package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextSnapshot(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "snapshot channel closed unexpectedly")
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestInMemoryStore_CreateDocument(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	doc, err := s.CreateDocument(ctx, "games", "", map[string]interface{}{"open": true})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, int64(1), doc.Version)

	_, err = s.CreateDocument(ctx, "games", doc.ID, map[string]interface{}{"open": true})
	assert.True(t, IsConflict(err), "creating an existing id should conflict")

	_, err = s.GetDocument(ctx, "games", "missing")
	assert.True(t, IsNotFound(err))
}

func TestInMemoryStore_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	doc, err := s.CreateDocument(ctx, "games", "g1", map[string]interface{}{
		"players": []string{"a"},
		"open":    true,
	})
	require.NoError(t, err)

	err = s.ConditionalUpdate(ctx, "games", "g1", map[string]interface{}{
		"players": []string{"a", "b"},
		"open":    false,
	}, doc.Version)
	require.NoError(t, err)

	// A second writer holding the old version must lose.
	err = s.ConditionalUpdate(ctx, "games", "g1", map[string]interface{}{
		"players": []string{"a", "c"},
		"open":    false,
	}, doc.Version)
	assert.True(t, IsConflict(err))

	got, err := s.GetDocument(ctx, "games", "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Fields["players"])
	assert.Equal(t, false, got.Fields["open"])

	err = s.ConditionalUpdate(ctx, "games", "missing", map[string]interface{}{"open": false}, 1)
	assert.True(t, IsNotFound(err))
}

func TestInMemoryStore_MergeUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.CreateDocument(ctx, "games", "g1", map[string]interface{}{
		"players": []string{"a"},
		"open":    true,
	})
	require.NoError(t, err)

	require.NoError(t, s.MergeUpdate(ctx, "games", "g1", map[string]interface{}{
		"choices": []interface{}{"rock"},
	}))

	got, err := s.GetDocument(ctx, "games", "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Fields["players"], "merge must not touch absent fields")
	assert.Equal(t, true, got.Fields["open"])
	assert.Equal(t, []interface{}{"rock"}, got.Fields["choices"])
}

func TestInMemoryStore_QueryDocuments(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	_, err := s.CreateDocument(ctx, "games", "g1", map[string]interface{}{
		"players": []string{"a", "b"},
		"open":    false,
	})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "games", "g2", map[string]interface{}{
		"players": []string{"c"},
		"open":    true,
	})
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, "games", "g3", map[string]interface{}{
		"players": []string{"d"},
		"open":    true,
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		filters []Filter
		wantIDs []string
	}{
		{
			name:    "open sessions in creation order",
			filters: []Filter{{Field: "open", Op: OpEqual, Value: true}},
			wantIDs: []string{"g2", "g3"},
		},
		{
			name:    "array contains",
			filters: []Filter{{Field: "players", Op: OpArrayContains, Value: "b"}},
			wantIDs: []string{"g1"},
		},
		{
			name: "combined",
			filters: []Filter{
				{Field: "open", Op: OpEqual, Value: true},
				{Field: "players", Op: OpArrayContains, Value: "c"},
			},
			wantIDs: []string{"g2"},
		},
		{
			name:    "no match",
			filters: []Filter{{Field: "players", Op: OpArrayContains, Value: "nobody"}},
			wantIDs: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.QueryDocuments(ctx, "games", tt.filters...)
			require.NoError(t, err)
			gotIDs := make([]string, 0, len(docs))
			for _, doc := range docs {
				gotIDs = append(gotIDs, doc.ID)
			}
			assert.Equal(t, tt.wantIDs, gotIDs)
		})
	}
}

func TestInMemoryStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	sub, err := s.Subscribe(ctx, "games", "g1")
	require.NoError(t, err)
	defer sub.Cancel()

	snap := nextSnapshot(t, sub)
	assert.False(t, snap.Exists, "initial snapshot of a missing document")

	_, err = s.CreateDocument(ctx, "games", "g1", map[string]interface{}{"open": true})
	require.NoError(t, err)
	snap = nextSnapshot(t, sub)
	require.True(t, snap.Exists)
	assert.Equal(t, true, snap.Document.Fields["open"])

	require.NoError(t, s.MergeUpdate(ctx, "games", "g1", map[string]interface{}{"open": false}))
	snap = nextSnapshot(t, sub)
	require.True(t, snap.Exists)
	assert.Equal(t, false, snap.Document.Fields["open"])
	assert.Greater(t, snap.Document.Version, int64(1))

	require.NoError(t, s.DeleteDocument(ctx, "games", "g1"))
	snap = nextSnapshot(t, sub)
	assert.False(t, snap.Exists, "deletion is delivered as a missing-document snapshot")
}

func TestInMemoryStore_SubscribeCancel(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	sub, err := s.Subscribe(ctx, "games", "g1")
	require.NoError(t, err)
	nextSnapshot(t, sub)

	sub.Cancel()
	select {
	case _, ok := <-sub.Snapshots():
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	assert.NoError(t, sub.Err())
}
