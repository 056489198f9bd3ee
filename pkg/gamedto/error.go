package gamedto

// Error codes surfaced to API clients. The Retryable flag tells the UI
// whether offering a retry action makes sense.
const (
	CodeInvalidMove         = "invalid_move"
	CodeInvalidArgument     = "invalid_argument"
	CodeSessionNotFound     = "session_not_found"
	CodeGameFinished        = "game_finished"
	CodeEngineTimeout       = "engine_timeout"
	CodeEngineCrashed       = "engine_crashed"
	CodeEngineUnavailable   = "engine_unavailable"
	CodePuzzleNotFound      = "puzzle_not_found"
	CodePuzzleAlreadySolved = "puzzle_already_solved"
	CodeLockTimeout         = "lock_timeout"
	CodeInternal            = "internal_error"
)

type DomainError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "game service error"
}

func NewDomainError(code, message string, retryable bool) *DomainError {
	return &DomainError{Code: code, Message: message, Retryable: retryable}
}
