package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/engine"
	"github.com/santrac-app/santrac/internal/game"
	"github.com/santrac-app/santrac/internal/obslog"
	"github.com/santrac-app/santrac/internal/store"
)

// EngineHealthcheckJob round-trips the engine pool so dead processes get
// culled and respawned even when no one is playing.
func EngineHealthcheckJob(search engine.Searcher) Job {
	return Job{
		Name: "engine_healthcheck",
		Run: func(ctx context.Context) error {
			if err := search.HealthCheck(ctx); err != nil {
				return fmt.Errorf("engine healthcheck: %w", err)
			}
			return nil
		},
	}
}

// SessionMetricsJob logs a rollup of live session counts.
func SessionMetricsJob(st *store.Store) Job {
	return Job{
		Name: "session_metrics",
		Run: func(ctx context.Context) error {
			games, err := st.CountKeys(ctx, game.SessionKeyPattern)
			if err != nil {
				return fmt.Errorf("count game sessions: %w", err)
			}
			puzzles, err := st.CountKeys(ctx, "puzzle:attempt:*")
			if err != nil {
				return fmt.Errorf("count puzzle attempts: %w", err)
			}
			obslog.L().Info("session metrics rollup",
				zap.Int64("game_sessions", games),
				zap.Int64("puzzle_attempts", puzzles),
			)
			return nil
		},
	}
}
