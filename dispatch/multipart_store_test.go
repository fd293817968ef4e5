package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *InMemoryMultipartStore {
	t.Helper()
	s := NewInMemoryMultipartStore()
	t.Cleanup(s.Stop)
	return s
}

func TestMultipartStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "bucket", "key", map[string]string{"a": "backend-a", "b": "backend-b"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	mapping, ok := s.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "bucket", mapping.Bucket)
	assert.Equal(t, "key", mapping.Key)
	assert.Len(t, mapping.Remotes, 2)
	assert.Equal(t, "backend-a", mapping.Remotes["a"].BackendUploadID)
	assert.Equal(t, RemoteUploadOpen, mapping.Remotes["a"].Status)
}

func TestMultipartStore_GetUnknownID(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get(context.Background(), "does-not-exist")
	assert.False(t, ok)
}

func TestMultipartStore_MarkCancelledExcludesFromOpenBackendUploadIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "bucket", "key", map[string]string{"a": "backend-a", "b": "backend-b"})
	require.NoError(t, err)

	s.MarkCancelled(ctx, id, "b")

	mapping, ok := s.Get(ctx, id)
	require.True(t, ok)

	open := mapping.OpenBackendUploadIDs()
	assert.Contains(t, open, "a")
	assert.NotContains(t, open, "b")
}

func TestMultipartStore_RecordPartTracksETagsPerRemote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "bucket", "key", map[string]string{"a": "backend-a"})
	require.NoError(t, err)

	s.RecordPart(ctx, id, "a", 1, "etag-1")
	s.RecordPart(ctx, id, "a", 2, "etag-2")

	mapping, ok := s.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "etag-1", mapping.Remotes["a"].Parts[1])
	assert.Equal(t, "etag-2", mapping.Remotes["a"].Parts[2])
}

func TestMultipartStore_RecordPartIgnoresUnknownMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		s.RecordPart(ctx, "unknown-upload", "a", 1, "etag-1")
	})
}

func TestMultipartStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "bucket", "key", map[string]string{"a": "backend-a"})
	require.NoError(t, err)

	s.Delete(ctx, id)

	_, ok := s.Get(ctx, id)
	assert.False(t, ok)
}
