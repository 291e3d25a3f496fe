package app

import (
	"context"
	"testing"
	"time"

	"github.com/mopatas/transaction-service/internal/domain"
	"github.com/mopatas/transaction-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSweeperRunOncePublishesExpiry(t *testing.T) {
	repo := store.NewMemoryRepository()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := NewSessionRegistry(repo, 10*time.Minute, 8, nil)
	registry.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := registry.Open(ctx, validOpenParams())
		require.NoError(t, err)
	}

	publisher := &recordingPublisher{}
	sweeper := NewSessionSweeper(registry, publisher, "", "", nil)

	count, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, publisher.count(RoutingKeySessionsExpired))

	clock.Advance(11 * time.Minute)
	count, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	require.Equal(t, 1, publisher.count(RoutingKeySessionsExpired))

	event, ok := publisher.events[0].body.(domain.SessionsExpiredEvent)
	require.True(t, ok)
	assert.Equal(t, int64(3), event.Count)
	assert.Equal(t, DefaultEventExchange, publisher.events[0].exchange)
}

func TestSessionSweeperRejectsBadSchedule(t *testing.T) {
	registry := NewSessionRegistry(store.NewMemoryRepository(), 0, 0, nil)
	sweeper := NewSessionSweeper(registry, nil, "", "not a schedule", nil)
	assert.Error(t, sweeper.Start())
}

func TestSessionSweeperStartStop(t *testing.T) {
	registry := NewSessionRegistry(store.NewMemoryRepository(), 0, 0, nil)
	sweeper := NewSessionSweeper(registry, nil, "", "@every 1h", nil)
	require.NoError(t, sweeper.Start())
	<-sweeper.Stop().Done()
}
