package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/engine/uci"
	"github.com/santrac-app/santrac/internal/obslog"
)

// Engine failure classes. Timeout and crash are transient (a retry may hit a
// healthy process); unavailable means the pool could not produce a session.
var (
	ErrTimeout     = uci.ErrTimeout
	ErrCrashed     = uci.ErrCrashed
	ErrUnavailable = errors.New("engine unavailable")
)

// IsTransient reports whether a retry of the same request could plausibly
// succeed. Anything else (bad FEN, closed pool) fails fast.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCrashed)
}

// Searcher is the engine surface the game and puzzle services consume.
// Tests substitute a scripted implementation.
type Searcher interface {
	BestMove(ctx context.Context, fen string, moves []string, difficulty int) (Result, error)
	Analyze(ctx context.Context, fen string, moves []string) (Result, error)
	HealthCheck(ctx context.Context) error
}

type Result struct {
	MoveUCI   string
	EvalCP    int
	Principal []string
	Elapsed   time.Duration
}

type Config struct {
	AnalysisDepth  int
	AnalysisTimeMS int
	Threads        int
	HashMB         int
}

// Engine fronts the UCI process pool: it maps difficulty onto concrete
// search limits and keeps pool acquire/release out of the services.
type Engine struct {
	pool *uci.Pool
	cfg  Config
}

func New(pool *uci.Pool, cfg Config) *Engine {
	if cfg.AnalysisDepth <= 0 {
		cfg.AnalysisDepth = 15
	}
	if cfg.AnalysisTimeMS <= 0 {
		cfg.AnalysisTimeMS = 2000
	}
	return &Engine{pool: pool, cfg: cfg}
}

// BestMove plays at the given difficulty. Difficulty scales skill level,
// depth, and think time together, never shrinking any of them as it rises.
func (e *Engine) BestMove(ctx context.Context, fen string, moves []string, difficulty int) (Result, error) {
	opts, limits := e.difficultyProfile(difficulty)
	return e.search(ctx, uci.SearchRequest{
		FEN:     fen,
		Moves:   moves,
		Options: opts,
		Limits:  limits,
	})
}

// Analyze searches at full strength using the configured analysis budget.
// Used for move suggestions and puzzle validation.
func (e *Engine) Analyze(ctx context.Context, fen string, moves []string) (Result, error) {
	return e.search(ctx, uci.SearchRequest{
		FEN:   fen,
		Moves: moves,
		Options: uci.Options{
			SkillLevel: 20,
			Threads:    e.cfg.Threads,
			HashMB:     e.cfg.HashMB,
		},
		Limits: uci.Limits{
			Depth:          e.cfg.AnalysisDepth,
			MoveTimeMillis: e.cfg.AnalysisTimeMS,
		},
	})
}

// HealthCheck acquires a session and round-trips isready. The scheduler runs
// this periodically so dead processes are culled even when traffic is idle.
func (e *Engine) HealthCheck(ctx context.Context) error {
	s, err := e.pool.Acquire(ctx)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	err = s.EnsureReady(ctx)
	e.pool.Release(s, err)
	return err
}

func (e *Engine) search(ctx context.Context, req uci.SearchRequest) (Result, error) {
	s, err := e.pool.Acquire(ctx)
	if err != nil {
		return Result{}, errors.Join(ErrUnavailable, err)
	}

	start := time.Now()
	resp, err := s.Search(ctx, req)
	elapsed := time.Since(start)
	e.pool.Release(s, err)

	if err != nil {
		obslog.L().Warn("engine search failed",
			zap.String("fen", req.FEN),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return Result{}, err
	}

	return Result{
		MoveUCI:   resp.BestMove,
		EvalCP:    resp.EvalCP,
		Principal: resp.Principal,
		Elapsed:   elapsed,
	}, nil
}

// difficultyProfile maps difficulty 0-20 onto engine settings. Each component
// is non-decreasing in difficulty, so a higher setting never searches less.
func (e *Engine) difficultyProfile(difficulty int) (uci.Options, uci.Limits) {
	if difficulty < 0 {
		difficulty = 0
	}
	if difficulty > 20 {
		difficulty = 20
	}

	depth := 4 + (difficulty*3)/4 // 4 at 0, 19 at 20
	if depth > e.cfg.AnalysisDepth && e.cfg.AnalysisDepth >= 4 {
		depth = e.cfg.AnalysisDepth
	}
	moveTime := 200 + difficulty*90 // 200ms at 0, 2000ms at 20
	if moveTime > e.cfg.AnalysisTimeMS {
		moveTime = e.cfg.AnalysisTimeMS
	}

	return uci.Options{
			SkillLevel: difficulty,
			Threads:    e.cfg.Threads,
			HashMB:     e.cfg.HashMB,
		}, uci.Limits{
			Depth:          depth,
			MoveTimeMillis: moveTime,
		}
}
