package gamedto

// Puzzle is the client view of a loaded puzzle: the solver sees the starting
// position and metadata, never the expected move sequence.
type Puzzle struct {
	PuzzleID   string `json:"puzzle_id"`
	FEN        string `json:"fen"`
	Difficulty string `json:"difficulty,omitempty"`
	Theme      string `json:"theme,omitempty"`
	StepsTotal int    `json:"steps_total"`
}

type AttemptResult struct {
	Correct    bool   `json:"correct"`
	IsComplete bool   `json:"is_complete"`
	Message    string `json:"message"`
	NextMove   string `json:"next_move,omitempty"`
	FEN        string `json:"fen"`
	StepIndex  int    `json:"step_index"`
}

type AttemptStats struct {
	PuzzleID string `json:"puzzle_id"`
	Solved   int64  `json:"solved"`
	Failed   int64  `json:"failed"`
}
