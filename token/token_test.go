package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_CreateThenConsumeRoundTrips(t *testing.T) {
	s := NewInMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "marker-123")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	startAfter, err := s.Consume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "marker-123", startAfter)
}

func TestInMemoryStore_ConsumeUnknownIDFails(t *testing.T) {
	s := NewInMemoryStore(0)
	defer s.Close()

	_, err := s.Consume(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestInMemoryStore_ConsumeTwiceWithinGraceWindowSucceeds(t *testing.T) {
	s := NewInMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "cursor")
	require.NoError(t, err)

	first, err := s.Consume(ctx, id)
	require.NoError(t, err)
	second, err := s.Consume(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestInMemoryStore_ExpiredCreatedTokenIsRejected(t *testing.T) {
	s := NewInMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "cursor")
	require.NoError(t, err)

	s.mu.Lock()
	s.tokens[id].CreatedAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	_, err = s.Consume(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestInMemoryStore_ExpiredConsumedTokenIsRejected(t *testing.T) {
	s := NewInMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "cursor")
	require.NoError(t, err)
	_, err = s.Consume(ctx, id)
	require.NoError(t, err)

	s.mu.Lock()
	stale := time.Now().Add(-11 * time.Minute)
	s.tokens[id].ConsumedAt = &stale
	s.mu.Unlock()

	_, err = s.Consume(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestInMemoryStore_SweepRemovesExpiredEntries(t *testing.T) {
	s := NewInMemoryStore(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "cursor")
	require.NoError(t, err)

	s.mu.Lock()
	s.tokens[id].CreatedAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.tokens[id]
		return !ok
	}, time.Second, 5*time.Millisecond)
}
