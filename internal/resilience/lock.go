package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout means a lock could not be acquired within the wait bound.
// Callers surface it as retryable: the resource is wedged or busy, not gone.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// KeyedMutex hands out one exclusive lock per key. Session managers use it to
// linearize all mutating operations against a single session.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock acquires the lock for key, waiting up to wait. The returned release
// function must run on every exit path; callers defer it immediately.
func (k *KeyedMutex) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		return func() {
			<-s.sem
			k.put(key, s)
		}, nil
	case <-timer.C:
		k.put(key, s)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		k.put(key, s)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) put(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// LeaseLock is a Redis-backed single-holder lock with automatic expiry, so a
// crashed holder can never starve the job past one lease period.
type LeaseLock struct {
	rdb    *redis.Client
	key    string
	holder string
	lease  time.Duration
}

// Release compares the holder before deleting so an expired lock taken over
// by someone else is never released from under them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewLeaseLock(rdb *redis.Client, name string, lease time.Duration) *LeaseLock {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &LeaseLock{
		rdb:    rdb,
		key:    "lock:" + name,
		holder: uuid.NewString(),
		lease:  lease,
	}
}

// TryAcquire attempts a non-blocking acquisition. false means another holder
// owns an unexpired lease.
func (l *LeaseLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.holder, l.lease).Result()
}

func (l *LeaseLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.holder).Err()
}

// WithLease runs fn while holding the lock. If the lock is already held the
// call reports held=false and fn never runs; the caller decides whether to
// skip or fail.
func (l *LeaseLock) WithLease(ctx context.Context, fn func(context.Context) error) (held bool, err error) {
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		relErr := l.Release(context.WithoutCancel(ctx))
		if err == nil {
			err = relErr
		}
	}()
	return true, fn(ctx)
}
