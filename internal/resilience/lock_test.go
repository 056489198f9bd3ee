package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestKeyedMutexExclusive(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	release, err := km.Lock(ctx, "session-a", time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if _, err := km.Lock(ctx, "session-a", 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("second Lock error = %v, want ErrLockTimeout", err)
	}

	// A different key is unaffected.
	releaseB, err := km.Lock(ctx, "session-b", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Lock other key: %v", err)
	}
	releaseB()

	release()
	release2, err := km.Lock(ctx, "session-a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	release2()
}

func TestKeyedMutexSerializesWaiters(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var inSection int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Lock(ctx, "shared", 5*time.Second)
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			defer release()
			mu.Lock()
			inSection++
			if inSection > 1 {
				t.Error("two holders inside the critical section")
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inSection--
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	release, err := km.Lock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := km.Lock(ctx, "k", 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Lock error = %v, want context.Canceled", err)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestLeaseLockExclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewLeaseLock(rdb, "job", time.Minute)
	b := NewLeaseLock(rdb, "job", time.Minute)

	ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = b.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestLeaseLockExpiryRecoversCrashedHolder(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	crashed := NewLeaseLock(rdb, "job", 30*time.Second)
	if ok, err := crashed.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("acquire = (%v, %v)", ok, err)
	}
	// Holder crashes without releasing; the lease expires.
	mr.FastForward(31 * time.Second)

	next := NewLeaseLock(rdb, "job", 30*time.Second)
	ok, err := next.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestLeaseLockReleaseOnlyByHolder(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	owner := NewLeaseLock(rdb, "job", time.Minute)
	stranger := NewLeaseLock(rdb, "job", time.Minute)

	if ok, _ := owner.TryAcquire(ctx); !ok {
		t.Fatal("owner could not acquire")
	}
	if err := stranger.Release(ctx); err != nil {
		t.Fatalf("stranger release errored: %v", err)
	}
	// The lock must still be held by the owner.
	if ok, _ := stranger.TryAcquire(ctx); ok {
		t.Fatal("stranger acquired after failed release attempt")
	}
}

func TestWithLeaseSkipsWhenHeld(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	blocker := NewLeaseLock(rdb, "job", time.Minute)
	if ok, _ := blocker.TryAcquire(ctx); !ok {
		t.Fatal("blocker could not acquire")
	}

	ran := false
	held, err := NewLeaseLock(rdb, "job", time.Minute).WithLease(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLease: %v", err)
	}
	if held || ran {
		t.Fatalf("held=%v ran=%v, want both false", held, ran)
	}
}

func TestWithLeaseReleasesOnError(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	boom := errors.New("job failed")
	held, err := NewLeaseLock(rdb, "job", time.Minute).WithLease(ctx, func(context.Context) error {
		return boom
	})
	if !held || !errors.Is(err, boom) {
		t.Fatalf("WithLease = (%v, %v), want (true, job failed)", held, err)
	}

	// The lock is free again despite the error.
	if ok, _ := NewLeaseLock(rdb, "job", time.Minute).TryAcquire(ctx); !ok {
		t.Fatal("lock still held after WithLease returned")
	}
}
