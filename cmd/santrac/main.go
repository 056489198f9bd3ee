package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/config"
	"github.com/santrac-app/santrac/internal/engine"
	"github.com/santrac-app/santrac/internal/engine/uci"
	"github.com/santrac-app/santrac/internal/game"
	"github.com/santrac-app/santrac/internal/httpapi"
	"github.com/santrac-app/santrac/internal/obslog"
	"github.com/santrac-app/santrac/internal/puzzle"
	"github.com/santrac-app/santrac/internal/resilience"
	"github.com/santrac-app/santrac/internal/scheduler"
	"github.com/santrac-app/santrac/internal/store"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		panic(err)
	}
	log := obslog.L()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	st, err := store.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal("connect redis", zap.Error(err))
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath: cfg.ChessEngine.StockfishPath,
		Capacity:   cfg.ChessEngine.PoolSize,
	})
	if err != nil {
		log.Fatal("create engine pool", zap.Error(err))
	}
	defer pool.Close()
	pool.Warm(ctx)

	eng := engine.New(pool, engine.Config{
		AnalysisDepth:  cfg.ChessEngine.Depth,
		AnalysisTimeMS: cfg.ChessEngine.TimeLimitMS,
	})

	retryPolicy := resilience.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialDelay:    config.Millis(cfg.Retry.InitialDelayMS),
		MaxDelay:        config.Millis(cfg.Retry.MaxDelayMS),
		ExponentialBase: cfg.Retry.ExponentialBase,
		Jitter:          cfg.Retry.Jitter,
	}

	var archive game.Archiver
	if cfg.Database.URL != "" {
		archive, err = game.NewPostgresArchive(cfg.Database.URL)
		if err != nil {
			log.Fatal("connect archive db", zap.Error(err))
		}
	} else {
		log.Warn("no database.url configured, archiving games in memory")
		archive = game.NewMemoryArchive()
	}

	games := game.New(st, game.NewRegistry(cfg.SessionLockWait()), eng, archive, game.Options{
		SessionTTL:           cfg.SessionTTL(),
		Retry:                retryPolicy,
		DefaultBotDifficulty: cfg.ChessEngine.SkillLevel,
	})

	var puzzleSource puzzle.Source
	if cfg.Database.URL != "" {
		puzzleSource, err = puzzle.NewPostgresSource(cfg.Database.URL)
		if err != nil {
			log.Fatal("connect puzzle db", zap.Error(err))
		}
	} else {
		puzzleSource = puzzle.NewMemorySource(0)
	}
	puzzles := puzzle.New(st, puzzleSource, cfg.PuzzleTTL())

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(st.Client(), scheduler.Config{
			CronExpression: cfg.Scheduler.CronExpression,
			RunOnStartup:   cfg.Scheduler.RunOnStartup,
			Lease:          cfg.SchedulerLease(),
		})
		sched.Register(scheduler.EngineHealthcheckJob(eng))
		sched.Register(scheduler.SessionMetricsJob(st))
		if err := sched.Start(ctx); err != nil {
			log.Fatal("start scheduler", zap.Error(err))
		}
		defer sched.Stop()
	}

	srv := httpapi.NewServer(games, puzzles)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.Addr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}

	if err := srv.Shutdown(); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("santrac stopped")
}
