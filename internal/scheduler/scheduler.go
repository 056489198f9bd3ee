package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/obslog"
	"github.com/santrac-app/santrac/internal/resilience"
)

// Job is one maintenance task. Run must be safe to invoke repeatedly and
// respect ctx cancellation.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	CronExpression string
	RunOnStartup   bool
	Lease          time.Duration
}

// Scheduler triggers registered jobs on a cron cadence. Every run first takes
// the job's Redis lease lock; if another runner (or a crashed holder with an
// unexpired lease) holds it, the trigger is skipped and logged, never queued.
type Scheduler struct {
	cron *cron.Cron
	rdb  *redis.Client
	cfg  Config
	jobs []Job
}

func New(rdb *redis.Client, cfg Config) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		rdb:  rdb,
		cfg:  cfg,
	}
}

func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start schedules all registered jobs and optionally fires each once
// immediately. ctx bounds every job run started from here on.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(s.cfg.CronExpression, func() {
			s.runLocked(ctx, job)
		}); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
	}

	if s.cfg.RunOnStartup {
		go func() {
			for _, job := range s.jobs {
				s.runLocked(ctx, job)
			}
		}()
	}

	s.cron.Start()
	obslog.L().Info("scheduler started",
		zap.String("cron", s.cfg.CronExpression),
		zap.Int("jobs", len(s.jobs)),
		zap.Bool("run_on_startup", s.cfg.RunOnStartup),
	)
	return nil
}

// Stop halts the cron loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runLocked(ctx context.Context, job Job) {
	lock := resilience.NewLeaseLock(s.rdb, "scheduler:"+job.Name, s.cfg.Lease)

	start := time.Now()
	held, err := lock.WithLease(ctx, job.Run)
	if !held {
		if err != nil {
			obslog.L().Error("scheduled job lock check failed",
				zap.String("job", job.Name), zap.Error(err))
			return
		}
		obslog.L().Info("scheduled job skipped, lock held elsewhere",
			zap.String("job", job.Name))
		return
	}
	if err != nil {
		obslog.L().Error("scheduled job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	obslog.L().Info("scheduled job finished",
		zap.String("job", job.Name),
		zap.Duration("elapsed", time.Since(start)),
	)
}
