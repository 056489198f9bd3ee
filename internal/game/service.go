package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/engine"
	"github.com/santrac-app/santrac/internal/obslog"
	"github.com/santrac-app/santrac/internal/resilience"
	"github.com/santrac-app/santrac/internal/store"
	"github.com/santrac-app/santrac/pkg/gamedto"
)

var (
	ErrSessionNotFound   = errors.New("game session not found")
	ErrInvalidMove       = errors.New("illegal move")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrGameFinished      = errors.New("game already finished")
	ErrEngineUnavailable = errors.New("engine unavailable")
)

const sessionKeyPrefix = "game:session:"

// SessionKeyPattern matches all live session keys; the metrics rollup job
// counts them.
const SessionKeyPattern = sessionKeyPrefix + "*"

// sessionPayload is the stored form of a session. Position and side to move
// are never stored: they are recomputed by replaying MovesUCI through the
// rules library, so stored state can never drift from the board.
type sessionPayload struct {
	SessionID     string    `json:"session_id"`
	MovesUCI      []string  `json:"moves_uci"`
	IsBotGame     bool      `json:"is_bot_game"`
	BotDifficulty int       `json:"bot_difficulty"`
	Status        string    `json:"status"`
	Method        string    `json:"method,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Options struct {
	SessionTTL time.Duration
	Retry      resilience.Policy
	// DefaultBotDifficulty fills in for bot games created without an
	// explicit difficulty; it comes from chess_engine.skill_level.
	DefaultBotDifficulty int
}

// Service owns all game-session state transitions. Every mutating operation
// runs under the session's registry lock; reads work on whole-payload
// snapshots and take no lock.
type Service struct {
	store    *store.Store
	registry *Registry
	search   engine.Searcher
	archive  Archiver
	opts     Options
}

func New(st *store.Store, registry *Registry, search engine.Searcher, archive Archiver, opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	return &Service{
		store:    st,
		registry: registry,
		search:   search,
		archive:  archive,
		opts:     opts,
	}
}

// Create starts a session at the standard starting position. A nil
// botDifficulty on a bot game falls back to the configured default.
func (s *Service) Create(ctx context.Context, isBotGame bool, botDifficulty *int) (*gamedto.SessionState, error) {
	difficulty := 0
	switch {
	case botDifficulty != nil:
		difficulty = *botDifficulty
	case isBotGame:
		difficulty = s.opts.DefaultBotDifficulty
	}
	if difficulty < 0 || difficulty > 20 {
		return nil, fmt.Errorf("%w: bot difficulty %d out of range 0-20", ErrInvalidArgument, difficulty)
	}

	now := time.Now()
	payload := &sessionPayload{
		SessionID:     uuid.NewString(),
		MovesUCI:      []string{},
		IsBotGame:     isBotGame,
		BotDifficulty: difficulty,
		Status:        gamedto.StatusInProgress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.save(ctx, payload); err != nil {
		return nil, err
	}

	obslog.L().Info("game session created",
		zap.String("session_id", payload.SessionID),
		zap.Bool("bot_game", isBotGame),
		zap.Int("difficulty", difficulty),
	)

	game, err := replaySession(payload)
	if err != nil {
		return nil, err
	}
	return stateFromGame(payload, game), nil
}

// Get returns a consistent snapshot of the session.
func (s *Service) Get(ctx context.Context, sessionID string) (*gamedto.SessionState, error) {
	payload, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	game, err := replaySession(payload)
	if err != nil {
		return nil, err
	}
	return stateFromGame(payload, game), nil
}

// ApplyMove validates and commits the player's move, then, for bot games
// still in progress, synchronously requests and commits the engine reply.
// The player's move is committed before the engine is consulted: an engine
// failure after that point is reported in the summary, never rolled back.
func (s *Service) ApplyMove(ctx context.Context, sessionID, moveText string) (*gamedto.MoveSummary, error) {
	release, err := s.registry.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	payload, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if payload.Status != gamedto.StatusInProgress {
		return nil, fmt.Errorf("%w: status %s", ErrGameFinished, payload.Status)
	}

	game, err := replaySession(payload)
	if err != nil {
		return nil, err
	}

	playerUCI, playerSAN, err := pushMove(game, moveText)
	if err != nil {
		return nil, err
	}
	payload.MovesUCI = append(payload.MovesUCI, playerUCI)
	payload.Status, payload.Method = statusOf(game)

	if err := s.save(ctx, payload); err != nil {
		return nil, err
	}

	summary := &gamedto.MoveSummary{
		PlayerUCI: playerUCI,
		PlayerSAN: playerSAN,
	}

	if payload.IsBotGame && payload.Status == gamedto.StatusInProgress {
		s.playBotReply(ctx, payload, game, summary)
		// Rebuild from the persisted payload so the summary always reflects
		// stored state, whatever the engine exchange did.
		game, err = replaySession(payload)
		if err != nil {
			return nil, err
		}
	}

	summary.State = stateFromGame(payload, game)
	summary.Finished = payload.Status != gamedto.StatusInProgress
	if summary.Finished {
		s.archiveFinished(ctx, payload, game)
	}
	return summary, nil
}

// playBotReply requests the engine move through the retry layer and commits
// it. Failures are recorded on the summary as a non-fatal condition.
func (s *Service) playBotReply(ctx context.Context, payload *sessionPayload, game *nchess.Game, summary *gamedto.MoveSummary) {
	result, err := resilience.Retry(ctx, s.opts.Retry, "engine.best_move",
		func() (engine.Result, error) {
			return s.search.BestMove(ctx, "", payload.MovesUCI, payload.BotDifficulty)
		},
		engine.IsTransient,
	)
	if err != nil {
		obslog.L().Warn("bot move unavailable after retries",
			zap.String("session_id", payload.SessionID),
			zap.Error(err),
		)
		summary.EngineFailure = gamedto.NewDomainError(
			engineFailureCode(err),
			"the engine could not produce a reply; your move is saved, try again",
			true,
		)
		return
	}

	botUCI, botSAN, err := pushMove(game, result.MoveUCI)
	if err != nil {
		obslog.L().Error("engine returned an unplayable move",
			zap.String("session_id", payload.SessionID),
			zap.String("move", result.MoveUCI),
			zap.Error(err),
		)
		summary.EngineFailure = gamedto.NewDomainError(
			gamedto.CodeEngineUnavailable,
			"the engine reply could not be applied; your move is saved, try again",
			true,
		)
		return
	}

	payload.MovesUCI = append(payload.MovesUCI, botUCI)
	payload.Status, payload.Method = statusOf(game)
	if err := s.save(ctx, payload); err != nil {
		obslog.L().Error("persist bot move", zap.String("session_id", payload.SessionID), zap.Error(err))
		summary.EngineFailure = gamedto.NewDomainError(gamedto.CodeInternal, "bot move could not be saved", true)
		payload.MovesUCI = payload.MovesUCI[:len(payload.MovesUCI)-1]
		payload.Status, payload.Method = gamedto.StatusInProgress, ""
		return
	}

	summary.BotUCI = botUCI
	summary.BotSAN = botSAN
	summary.EngineElapsed = result.Elapsed
}

// engineFailureCode names the exhausted failure by its last cause so clients
// can tell a slow engine from a dead one.
func engineFailureCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrTimeout):
		return gamedto.CodeEngineTimeout
	case errors.Is(err, engine.ErrCrashed):
		return gamedto.CodeEngineCrashed
	default:
		return gamedto.CodeEngineUnavailable
	}
}

// Undo pops the last numMoves moves and replays the remainder. A terminal
// status reverts to in_progress: undo is the only transition out of a
// terminal state.
func (s *Service) Undo(ctx context.Context, sessionID string, numMoves int) (*gamedto.SessionState, error) {
	release, err := s.registry.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	payload, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if numMoves < 1 {
		return nil, fmt.Errorf("%w: undo count %d must be positive", ErrInvalidArgument, numMoves)
	}
	if numMoves > len(payload.MovesUCI) {
		return nil, fmt.Errorf("%w: undo count %d exceeds history length %d",
			ErrInvalidArgument, numMoves, len(payload.MovesUCI))
	}

	payload.MovesUCI = payload.MovesUCI[:len(payload.MovesUCI)-numMoves]
	payload.Status = gamedto.StatusInProgress
	payload.Method = ""

	game, err := replaySession(payload)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, payload); err != nil {
		return nil, err
	}
	return stateFromGame(payload, game), nil
}

// SuggestMove analyzes the current position at the fixed hint budget. It
// reads a snapshot and takes no session lock; concurrent moves simply make
// the hint stale, never inconsistent.
func (s *Service) SuggestMove(ctx context.Context, sessionID string) (*gamedto.Suggestion, error) {
	payload, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if payload.Status != gamedto.StatusInProgress {
		return nil, fmt.Errorf("%w: status %s", ErrGameFinished, payload.Status)
	}

	game, err := replaySession(payload)
	if err != nil {
		return nil, err
	}

	result, err := resilience.Retry(ctx, s.opts.Retry, "engine.analyze",
		func() (engine.Result, error) {
			return s.search.Analyze(ctx, "", payload.MovesUCI)
		},
		engine.IsTransient,
	)
	if err != nil {
		return nil, errors.Join(ErrEngineUnavailable, err)
	}

	pos := game.Position()
	san := result.MoveUCI
	if mv, derr := (nchess.UCINotation{}).Decode(pos, result.MoveUCI); derr == nil {
		san = nchess.AlgebraicNotation{}.Encode(pos, mv)
	}

	return &gamedto.Suggestion{
		MoveUCI:      result.MoveUCI,
		MoveSAN:      san,
		EvaluationCP: result.EvalCP,
		Principal:    result.Principal,
		Elapsed:      result.Elapsed,
	}, nil
}

// Resign ends the game in favor of the opponent of the side to move.
func (s *Service) Resign(ctx context.Context, sessionID string) (*gamedto.SessionState, error) {
	release, err := s.registry.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	payload, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if payload.Status != gamedto.StatusInProgress {
		return nil, fmt.Errorf("%w: status %s", ErrGameFinished, payload.Status)
	}

	game, err := replaySession(payload)
	if err != nil {
		return nil, err
	}
	game.Resign(game.Position().Turn())
	payload.Status, payload.Method = statusOf(game)

	if err := s.save(ctx, payload); err != nil {
		return nil, err
	}
	s.archiveFinished(ctx, payload, game)
	return stateFromGame(payload, game), nil
}

// ExportPGN renders the session's game as PGN.
func (s *Service) ExportPGN(ctx context.Context, sessionID string) (string, error) {
	payload, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	game, err := replaySession(payload)
	if err != nil {
		return "", err
	}
	return game.String(), nil
}

// Delete removes a session outright.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	release, err := s.registry.LockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return s.store.Del(ctx, sessionKeyPrefix+sessionID)
}

func (s *Service) archiveFinished(ctx context.Context, payload *sessionPayload, game *nchess.Game) {
	if s.archive == nil {
		return
	}
	now := time.Now()
	archived := &gamedto.ArchivedGame{
		SessionID:     payload.SessionID,
		Status:        payload.Status,
		Method:        payload.Method,
		MovesUCI:      append([]string(nil), payload.MovesUCI...),
		PGN:           game.String(),
		IsBotGame:     payload.IsBotGame,
		BotDifficulty: payload.BotDifficulty,
		StartedAt:     payload.CreatedAt,
		EndedAt:       now,
		Duration:      now.Sub(payload.CreatedAt),
	}
	if _, err := s.archive.InsertGame(ctx, archived); err != nil && !errors.Is(err, ErrDuplicateArchive) {
		obslog.L().Warn("archive finished game",
			zap.String("session_id", payload.SessionID),
			zap.Error(err),
		)
	}
}

func (s *Service) load(ctx context.Context, sessionID string) (*sessionPayload, error) {
	var payload sessionPayload
	found, err := s.store.Get(ctx, sessionKeyPrefix+sessionID, &payload)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return &payload, nil
}

func (s *Service) save(ctx context.Context, payload *sessionPayload) error {
	payload.UpdatedAt = time.Now()
	return s.store.Set(ctx, sessionKeyPrefix+payload.SessionID, payload, s.opts.SessionTTL)
}

// pushMove decodes moveText (SAN first, then UCI) against the game's current
// position and applies it. Returns the canonical UCI and SAN encodings.
func pushMove(game *nchess.Game, moveText string) (string, string, error) {
	moveText = strings.TrimSpace(moveText)
	if moveText == "" {
		return "", "", fmt.Errorf("%w: empty move", ErrInvalidMove)
	}

	pos := game.Position()
	sanNotation := nchess.AlgebraicNotation{}
	uciNotation := nchess.UCINotation{}

	move, err := sanNotation.Decode(pos, moveText)
	if err != nil {
		move, err = uciNotation.Decode(pos, strings.ToLower(moveText))
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidMove, moveText)
	}

	san := sanNotation.Encode(pos, move)
	uci := strings.ToLower(uciNotation.Encode(pos, move))

	if err := game.Move(move, nil); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidMove, moveText)
	}
	return uci, san, nil
}

func replaySession(payload *sessionPayload) (*nchess.Game, error) {
	game := nchess.NewGame()
	notation := nchess.UCINotation{}
	for _, mv := range payload.MovesUCI {
		move, err := notation.Decode(game.Position(), strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("decode move %s: %w", mv, err)
		}
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("apply move %s: %w", mv, err)
		}
	}
	return game, nil
}

// statusOf classifies the game. Resignation is recorded through game.Resign
// before calling this, so it reads uniformly off the outcome.
func statusOf(game *nchess.Game) (status, method string) {
	switch game.Outcome() {
	case nchess.WhiteWon:
		status = gamedto.StatusWhiteWon
	case nchess.BlackWon:
		status = gamedto.StatusBlackWon
	case nchess.Draw:
		status = gamedto.StatusDraw
	default:
		return gamedto.StatusInProgress, ""
	}
	return status, game.Method().String()
}

func stateFromGame(payload *sessionPayload, game *nchess.Game) *gamedto.SessionState {
	positions := game.Positions()
	moves := game.Moves()
	sanMoves := make([]string, len(moves))
	notation := nchess.AlgebraicNotation{}
	for i, mv := range moves {
		if i < len(positions) {
			sanMoves[i] = notation.Encode(positions[i], mv)
		}
	}

	sideToMove := "white"
	if game.Position().Turn() == nchess.Black {
		sideToMove = "black"
	}

	return &gamedto.SessionState{
		SessionID:     payload.SessionID,
		FEN:           game.FEN(),
		MovesUCI:      append([]string(nil), payload.MovesUCI...),
		MovesSAN:      sanMoves,
		SideToMove:    sideToMove,
		Status:        payload.Status,
		IsBotGame:     payload.IsBotGame,
		BotDifficulty: payload.BotDifficulty,
		CreatedAt:     payload.CreatedAt,
		UpdatedAt:     payload.UpdatedAt,
	}
}
