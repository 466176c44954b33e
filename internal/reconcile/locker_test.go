package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/reconciler/internal/shared"
)

func TestRedisLockerSerializesHolders(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, 5*time.Second)
	keys := []string{shared.FinanceLockKey(shared.LockPayment, 2), shared.FinanceLockKey(shared.LockInvoice, 1)}

	release, err := locker.Acquire(context.Background(), keys...)
	require.NoError(t, err)
	require.True(t, mr.Exists(keys[0]))
	require.True(t, mr.Exists(keys[1]))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, keys[1])
	require.ErrorIs(t, err, ErrLockTimeout)

	release()
	require.False(t, mr.Exists(keys[0]))
	require.False(t, mr.Exists(keys[1]))

	again, err := locker.Acquire(context.Background(), keys[1])
	require.NoError(t, err)
	again()
}

func TestRedisLockerKeepsForeignLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key := shared.FinanceLockKey(shared.LockInvoice, 9)
	release, err := NewRedisLocker(client, time.Second).Acquire(context.Background(), key)
	require.NoError(t, err)

	// lease expired and another holder took over
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(key, "other"))
	release()

	got, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "other", got)
}

func TestLocalLockerWaitsForRelease(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "a", "b", "a")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		next, err := locker.Acquire(context.Background(), "b")
		if err == nil {
			next()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second holder acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second holder never acquired the key")
	}

	ctx, cancel := context.WithCancel(context.Background())
	hold, err := locker.Acquire(ctx, "c")
	require.NoError(t, err)
	cancel()
	_, err = locker.Acquire(ctx, "c")
	require.ErrorIs(t, err, ErrLockTimeout)
	hold()
}
