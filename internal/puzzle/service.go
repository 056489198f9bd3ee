package puzzle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/obslog"
	"github.com/santrac-app/santrac/internal/resilience"
	"github.com/santrac-app/santrac/internal/store"
	"github.com/santrac-app/santrac/pkg/gamedto"
)

var (
	ErrPuzzleNotFound = errors.New("puzzle attempt not found")
	ErrAlreadySolved  = errors.New("puzzle already solved")
)

const (
	attemptKeyPrefix = "puzzle:attempt:"
	statsKeyPrefix   = "puzzle:stats:"

	attemptLockWait = 5 * time.Second
)

// attemptPayload is the stored attempt state. The invariant is
// StepIndex <= len(Moves), with Solved true exactly when they are equal.
type attemptPayload struct {
	PuzzleID   string    `json:"puzzle_id"`
	FEN        string    `json:"fen"`
	Moves      []string  `json:"moves"`
	StepIndex  int       `json:"step_index"`
	Solved     bool      `json:"solved"`
	Difficulty string    `json:"difficulty,omitempty"`
	Theme      string    `json:"theme,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Service owns puzzle-attempt state. Writes to an attempt run under its
// per-puzzle lock so concurrent submissions are linearized, same as game
// sessions.
type Service struct {
	store  *store.Store
	source Source
	locks  *resilience.KeyedMutex
	ttl    time.Duration
}

func New(st *store.Store, source Source, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Service{
		store:  st,
		source: source,
		locks:  resilience.NewKeyedMutex(),
		ttl:    ttl,
	}
}

// LoadRandom fetches a puzzle and opens an attempt for it. Reloading the same
// puzzle resets any previous attempt.
func (s *Service) LoadRandom(ctx context.Context, difficulty string) (*gamedto.Puzzle, error) {
	rec, err := s.source.FetchRandom(ctx, difficulty)
	if err != nil {
		return nil, err
	}

	release, err := s.locks.Lock(ctx, rec.PuzzleID, attemptLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	payload := &attemptPayload{
		PuzzleID:   rec.PuzzleID,
		FEN:        rec.FEN,
		Moves:      normalizeMoves(rec.Moves),
		Difficulty: rec.Difficulty,
		Theme:      rec.Theme,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.save(ctx, payload); err != nil {
		return nil, err
	}

	obslog.L().Info("puzzle attempt opened",
		zap.String("puzzle_id", rec.PuzzleID),
		zap.String("difficulty", rec.Difficulty),
	)

	return &gamedto.Puzzle{
		PuzzleID:   rec.PuzzleID,
		FEN:        rec.FEN,
		Difficulty: rec.Difficulty,
		Theme:      rec.Theme,
		StepsTotal: (len(rec.Moves) + 1) / 2,
	}, nil
}

// AttemptMove checks the submitted move against the expected line. A correct
// move advances the attempt and, unless the line is finished, also plays the
// scripted opponent reply. A wrong move changes nothing.
func (s *Service) AttemptMove(ctx context.Context, puzzleID, moveText string) (*gamedto.AttemptResult, error) {
	release, err := s.locks.Lock(ctx, puzzleID, attemptLockWait)
	if err != nil {
		return nil, err
	}
	defer release()

	payload, err := s.load(ctx, puzzleID)
	if err != nil {
		return nil, err
	}
	if payload.Solved || payload.StepIndex >= len(payload.Moves) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySolved, puzzleID)
	}

	move := strings.ToLower(strings.TrimSpace(moveText))
	expected := payload.Moves[payload.StepIndex]

	if move != expected {
		s.bumpStat(ctx, payload.PuzzleID, "failed")
		return &gamedto.AttemptResult{
			Correct:   false,
			Message:   "that is not the right move here, look again",
			FEN:       s.positionAt(payload, payload.StepIndex),
			StepIndex: payload.StepIndex,
		}, nil
	}

	payload.StepIndex++
	result := &gamedto.AttemptResult{Correct: true}

	if payload.StepIndex < len(payload.Moves) {
		// Scripted opponent reply auto-advances one more step.
		result.NextMove = payload.Moves[payload.StepIndex]
		payload.StepIndex++
	}

	if payload.StepIndex == len(payload.Moves) {
		payload.Solved = true
		result.IsComplete = true
		result.Message = "puzzle solved"
		s.bumpStat(ctx, payload.PuzzleID, "solved")
	} else {
		result.Message = "correct, keep going"
	}

	if err := s.save(ctx, payload); err != nil {
		return nil, err
	}
	result.FEN = s.positionAt(payload, payload.StepIndex)
	result.StepIndex = payload.StepIndex
	return result, nil
}

// Stats returns lifetime solved/failed counters for a puzzle.
func (s *Service) Stats(ctx context.Context, puzzleID string) (*gamedto.AttemptStats, error) {
	solved, err := s.store.GetInt(ctx, statsKeyPrefix+puzzleID+":solved")
	if err != nil {
		return nil, err
	}
	failed, err := s.store.GetInt(ctx, statsKeyPrefix+puzzleID+":failed")
	if err != nil {
		return nil, err
	}
	return &gamedto.AttemptStats{PuzzleID: puzzleID, Solved: solved, Failed: failed}, nil
}

func (s *Service) bumpStat(ctx context.Context, puzzleID, kind string) {
	if _, err := s.store.Incr(ctx, statsKeyPrefix+puzzleID+":"+kind); err != nil {
		obslog.L().Warn("bump puzzle stat",
			zap.String("puzzle_id", puzzleID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

// positionAt replays the first n line moves from the puzzle's starting
// position. A malformed stored line falls back to the starting FEN.
func (s *Service) positionAt(payload *attemptPayload, n int) string {
	fenOpt, err := nchess.FEN(payload.FEN)
	if err != nil {
		return payload.FEN
	}
	game := nchess.NewGame(fenOpt)
	notation := nchess.UCINotation{}
	for i := 0; i < n && i < len(payload.Moves); i++ {
		move, err := notation.Decode(game.Position(), payload.Moves[i])
		if err != nil {
			return payload.FEN
		}
		if err := game.Move(move, nil); err != nil {
			return payload.FEN
		}
	}
	return game.FEN()
}

func (s *Service) load(ctx context.Context, puzzleID string) (*attemptPayload, error) {
	var payload attemptPayload
	found, err := s.store.Get(ctx, attemptKeyPrefix+puzzleID, &payload)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPuzzleNotFound, puzzleID)
	}
	return &payload, nil
}

func (s *Service) save(ctx context.Context, payload *attemptPayload) error {
	payload.UpdatedAt = time.Now()
	return s.store.Set(ctx, attemptKeyPrefix+payload.PuzzleID, payload, s.ttl)
}

func normalizeMoves(moves []string) []string {
	out := make([]string, len(moves))
	for i, mv := range moves {
		out[i] = strings.ToLower(strings.TrimSpace(mv))
	}
	return out
}
