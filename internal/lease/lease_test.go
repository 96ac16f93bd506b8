package lease

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	first, err := l.Acquire(ctx, "class:dns", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Token)

	_, err = l.Acquire(ctx, "class:dns", time.Minute)
	require.ErrorIs(t, err, models.ErrLeaseHeld)

	other, err := l.Acquire(ctx, "class:disk", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, other))

	// A stale token must not release the current holder.
	require.NoError(t, l.Release(ctx, Lease{Key: "class:dns", Token: "someone-else"}))
	_, err = l.Acquire(ctx, "class:dns", time.Minute)
	require.ErrorIs(t, err, models.ErrLeaseHeld)

	renewed, err := l.Renew(ctx, first, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.Token, renewed.Token)
	_, err = l.Renew(ctx, Lease{Key: "class:dns", Token: "someone-else"}, time.Minute)
	require.ErrorIs(t, err, models.ErrLeaseLost)

	require.NoError(t, l.Release(ctx, first))
	_, err = l.Renew(ctx, first, time.Minute)
	require.ErrorIs(t, err, models.ErrLeaseLost)
	again, err := l.Acquire(ctx, "class:dns", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, again))
}

func TestLocalLocker(t *testing.T) {
	exerciseLocker(t, NewLocalLocker(nil))
}

func TestLocalLockerExpiry(t *testing.T) {
	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLocalLocker(clock.now)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	clock.t = clock.t.Add(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, stale))

	_, err = l.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, models.ErrLeaseHeld, "releasing the expired lease must not free the new one")
	_, err = l.Renew(ctx, stale, time.Second)
	require.ErrorIs(t, err, models.ErrLeaseLost, "an expired lease taken over by another holder cannot be renewed")

	clock.t = clock.t.Add(500 * time.Millisecond)
	fresh, err = l.Renew(ctx, fresh, time.Second)
	require.NoError(t, err)
	clock.t = clock.t.Add(900 * time.Millisecond)
	_, err = l.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, models.ErrLeaseHeld, "renewal must extend the expiry")
	require.NoError(t, l.Release(ctx, fresh))
}

// TestRedisLocker requires a running Redis and is skipped otherwise.
func TestRedisLocker(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	l := NewRedisLockerFromClient(client, "remediator-test:"+time.Now().Format("150405.000")+":")
	defer l.Close()
	exerciseLocker(t, l)
}
