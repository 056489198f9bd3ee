package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/santrac-app/santrac/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, Config{
		CronExpression: "* * * * *",
		Lease:          time.Minute,
	}), rdb
}

func TestConcurrentTriggerSkipped(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	var running atomic.Int32
	var ran atomic.Int32
	block := make(chan struct{})
	job := Job{
		Name: "slow",
		Run: func(context.Context) error {
			if running.Add(1) > 1 {
				t.Error("job ran concurrently")
			}
			defer running.Add(-1)
			ran.Add(1)
			<-block
			return nil
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runLocked(ctx, job)
	}()

	// Wait until the first run holds the lock, then trigger again.
	deadline := time.Now().Add(2 * time.Second)
	for ran.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.runLocked(ctx, job) // must skip, not queue

	close(block)
	wg.Wait()

	if got := ran.Load(); got != 1 {
		t.Fatalf("job executions = %d, want 1", got)
	}
}

func TestRunsAgainAfterRelease(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	var ran atomic.Int32
	job := Job{
		Name: "counter",
		Run: func(context.Context) error {
			ran.Add(1)
			return nil
		},
	}

	s.runLocked(ctx, job)
	s.runLocked(ctx, job)
	if got := ran.Load(); got != 2 {
		t.Fatalf("job executions = %d, want 2", got)
	}
}

func TestSessionMetricsJobCounts(t *testing.T) {
	s, rdb := newTestScheduler(t)
	ctx := context.Background()

	st := store.NewWithClient(rdb)
	if err := st.Set(ctx, "game:session:a", map[string]string{"x": "1"}, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.Set(ctx, "puzzle:attempt:b", map[string]string{"x": "1"}, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	job := SessionMetricsJob(st)
	s.Register(job)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("session metrics job: %v", err)
	}
}
