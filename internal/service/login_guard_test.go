package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, maxAttempts int, window time.Duration) (*LoginGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLoginGuard(client, maxAttempts, window), mr
}

func TestLoginGuardLocksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	guard, mr := newTestGuard(t, 3, time.Minute)

	for i := 1; i <= 3; i++ {
		_, err := guard.Check(ctx, "a@example.com")
		require.NoError(t, err)
		count, err := guard.RecordFailure(ctx, "A@Example.com ")
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	retryAfter, err := guard.Check(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, time.Minute, retryAfter)

	mr.FastForward(time.Minute + time.Second)
	_, err = guard.Check(ctx, "a@example.com")
	assert.NoError(t, err)
}

func TestLoginGuardReset(t *testing.T) {
	ctx := context.Background()
	guard, mr := newTestGuard(t, 1, time.Minute)

	_, err := guard.RecordFailure(ctx, "b@example.com")
	require.NoError(t, err)
	_, err = guard.Check(ctx, "b@example.com")
	require.ErrorIs(t, err, ErrTooManyAttempts)

	require.NoError(t, guard.Reset(ctx, "b@example.com"))
	assert.False(t, mr.Exists(loginGuardPrefix+"b@example.com"))
	_, err = guard.Check(ctx, "b@example.com")
	assert.NoError(t, err)
}

func TestLoginGuardDisabled(t *testing.T) {
	ctx := context.Background()
	var nilGuard *LoginGuard
	_, err := nilGuard.Check(ctx, "x")
	assert.NoError(t, err)

	guard := NewLoginGuard(nil, 3, time.Minute)
	count, err := guard.RecordFailure(ctx, "x")
	assert.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, guard.Reset(ctx, "x"))

	zeroed, _ := newTestGuard(t, 0, time.Minute)
	_, err = zeroed.RecordFailure(ctx, "x")
	assert.NoError(t, err)
}

func TestLoginGuardRedisDown(t *testing.T) {
	guard, mr := newTestGuard(t, 3, time.Minute)
	mr.Close()

	_, err := guard.Check(context.Background(), "c@example.com")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTooManyAttempts)
}

func TestLoginGuardRestoresMissingWindow(t *testing.T) {
	ctx := context.Background()
	guard, mr := newTestGuard(t, 3, time.Minute)
	key := loginGuardPrefix + "d@example.com"

	// Counter left behind without an expiry.
	require.NoError(t, mr.Set(key, "1"))
	count, err := guard.RecordFailure(ctx, "d@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, time.Minute, mr.TTL(key))

	require.NoError(t, mr.Set(key, "3"))
	retryAfter, err := guard.Check(ctx, "d@example.com")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, time.Minute, retryAfter)
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(time.Minute + time.Second)
	_, err = guard.Check(ctx, "d@example.com")
	assert.NoError(t, err)
}

func TestLoginGuardKeepsRunningWindow(t *testing.T) {
	ctx := context.Background()
	guard, mr := newTestGuard(t, 5, time.Minute)
	key := loginGuardPrefix + "e@example.com"

	_, err := guard.RecordFailure(ctx, "e@example.com")
	require.NoError(t, err)
	mr.FastForward(20 * time.Second)
	_, err = guard.RecordFailure(ctx, "e@example.com")
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, mr.TTL(key))
}
