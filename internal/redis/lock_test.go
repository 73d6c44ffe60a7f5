package redisclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisScheduleLocker(client, 5*time.Second), mr
}

func TestWithScheduleLockRunsAndReleases(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()
	doctorID := uuid.New()

	ran := false
	err := locker.WithScheduleLock(ctx, doctorID, "2026-09-21", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(fmt.Sprintf("lock:schedule:%s:2026-09-21", doctorID)))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// released: immediately reacquirable
	err = locker.WithScheduleLock(ctx, doctorID, "2026-09-21", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithScheduleLockContention(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()
	doctorID := uuid.New()

	err := locker.WithScheduleLock(ctx, doctorID, "2026-09-21", func(ctx context.Context) error {
		// same doctor-day inside the critical section must be refused
		inner := locker.WithScheduleLock(ctx, doctorID, "2026-09-21", func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		// a different day for the same doctor is an independent lock
		return locker.WithScheduleLock(ctx, doctorID, "2026-09-22", func(ctx context.Context) error { return nil })
	})
	assert.NoError(t, err)
}

func TestWithScheduleLockPropagatesCallbackError(t *testing.T) {
	locker, _ := newTestLocker(t)
	doctorID := uuid.New()

	sentinel := errors.New("boom")
	err := locker.WithScheduleLock(context.Background(), doctorID, "2026-09-21", func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// a failed critical section still releases the lock
	err = locker.WithScheduleLock(context.Background(), doctorID, "2026-09-21", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithScheduleLockExpiredLockIsReclaimable(t *testing.T) {
	locker, mr := newTestLocker(t)
	doctorID := uuid.New()
	key := fmt.Sprintf("lock:schedule:%s:2026-09-21", doctorID)

	// a crashed holder's lock goes away when its TTL elapses
	require.NoError(t, mr.Set(key, "stale-token"))
	mr.SetTTL(key, 5*time.Second)

	err := locker.WithScheduleLock(context.Background(), doctorID, "2026-09-21", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	mr.FastForward(6 * time.Second)

	err = locker.WithScheduleLock(context.Background(), doctorID, "2026-09-21", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}
