package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/reconciler/internal/shared"
)

// ErrLockTimeout indicates a lock could not be acquired before the context ended.
var ErrLockTimeout = errors.New("reconcile: lock not acquired")

// Locker serializes critical sections across callers. Keys are acquired in
// sorted order; the returned release function frees all of them.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX leases.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a crashed
// holder can block others.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 25 * time.Millisecond}
}

// Acquire blocks until every key is held or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	held := make([]string, 0, len(keys))
	release := func() {
		// ctx may already be done here
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseScript.Run(rctx, l.client, []string{held[i]}, token).Err()
		}
	}
	for _, key := range shared.SortedLockKeys(keys...) {
		if err := l.acquireOne(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *RedisLocker) acquireOne(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Join(ErrLockTimeout, ctx.Err())
			}
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// LocalLocker implements Locker within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

// Acquire blocks until every key is held or ctx ends.
func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	var held []string
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, key := range held {
			if ch, ok := l.held[key]; ok {
				delete(l.held, key)
				close(ch)
			}
		}
	}
	for _, key := range shared.SortedLockKeys(keys...) {
		for {
			l.mu.Lock()
			wait, busy := l.held[key]
			if !busy {
				l.held[key] = make(chan struct{})
				l.mu.Unlock()
				held = append(held, key)
				break
			}
			l.mu.Unlock()
			select {
			case <-ctx.Done():
				release()
				return nil, errors.Join(ErrLockTimeout, ctx.Err())
			case <-wait:
			}
		}
	}
	return release, nil
}
