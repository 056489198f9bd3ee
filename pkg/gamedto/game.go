package gamedto

import "time"

// Game status values. A session leaves in_progress only through move
// application (terminal detection) and re-enters it only through undo.
const (
	StatusInProgress = "in_progress"
	StatusWhiteWon   = "white_won"
	StatusBlackWon   = "black_won"
	StatusDraw       = "draw"
)

type SessionState struct {
	SessionID     string    `json:"session_id"`
	FEN           string    `json:"fen"`
	MovesUCI      []string  `json:"moves_uci"`
	MovesSAN      []string  `json:"moves_san"`
	SideToMove    string    `json:"side_to_move"`
	Status        string    `json:"status"`
	IsBotGame     bool      `json:"is_bot_game"`
	BotDifficulty int       `json:"bot_difficulty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MoveSummary reports one committed player move plus, for bot games, the
// synchronous engine reply. EngineFailure is the explicit partial-failure
// channel: the player's move is never rolled back when the engine cannot
// answer, so the failure travels next to the committed state instead of
// replacing it.
type MoveSummary struct {
	State         *SessionState `json:"state"`
	PlayerUCI     string        `json:"player_uci"`
	PlayerSAN     string        `json:"player_san"`
	BotUCI        string        `json:"bot_uci,omitempty"`
	BotSAN        string        `json:"bot_san,omitempty"`
	Finished      bool          `json:"finished"`
	EngineElapsed time.Duration `json:"engine_elapsed,omitempty"`
	EngineFailure *DomainError  `json:"engine_failure,omitempty"`
}

// Suggestion is the engine hint for the current position.
type Suggestion struct {
	MoveUCI      string        `json:"move_uci"`
	MoveSAN      string        `json:"move_san"`
	EvaluationCP int           `json:"evaluation_cp"`
	Principal    []string      `json:"principal,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// ArchivedGame is a finished game persisted to the archive repository.
type ArchivedGame struct {
	ID            int64         `json:"id"`
	SessionID     string        `json:"session_id"`
	Status        string        `json:"status"`
	Method        string        `json:"method"`
	MovesUCI      []string      `json:"moves_uci"`
	PGN           string        `json:"pgn"`
	IsBotGame     bool          `json:"is_bot_game"`
	BotDifficulty int           `json:"bot_difficulty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Duration      time.Duration `json:"duration"`
}
