package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/engine"
	"github.com/santrac-app/santrac/internal/game"
	"github.com/santrac-app/santrac/internal/obslog"
	"github.com/santrac-app/santrac/internal/puzzle"
	"github.com/santrac-app/santrac/internal/resilience"
	"github.com/santrac-app/santrac/pkg/gamedto"
)

// Server is the JSON API over the game and puzzle services. Routing is done
// by hand; the surface is small enough that a router would only add weight.
type Server struct {
	games   *game.Service
	puzzles *puzzle.Service
	httpSrv *fasthttp.Server
}

func NewServer(games *game.Service, puzzles *puzzle.Service) *Server {
	s := &Server{games: games, puzzles: puzzles}
	s.httpSrv = &fasthttp.Server{
		Handler:      s.route,
		Name:         "santrac",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("http api listening", zap.String("addr", addr))
	return s.httpSrv.ListenAndServe(addr)
}

func (s *Server) Shutdown() error {
	return s.httpSrv.Shutdown()
}

// Handler exposes the routing function for tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.route
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())

	switch {
	case path == "/healthz" && method == fasthttp.MethodGet:
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
	case path == "/api/games" && method == fasthttp.MethodPost:
		s.handleCreateGame(ctx)
	case strings.HasPrefix(path, "/api/games/"):
		s.routeGame(ctx, method, strings.TrimPrefix(path, "/api/games/"))
	case path == "/api/puzzles/random" && method == fasthttp.MethodGet:
		s.handleRandomPuzzle(ctx)
	case strings.HasPrefix(path, "/api/puzzles/"):
		s.routePuzzle(ctx, method, strings.TrimPrefix(path, "/api/puzzles/"))
	default:
		writeError(ctx, fasthttp.StatusNotFound,
			gamedto.NewDomainError(gamedto.CodeInvalidArgument, "unknown route", false))
	}
}

func (s *Server) routeGame(ctx *fasthttp.RequestCtx, method, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(ctx, fasthttp.StatusNotFound,
			gamedto.NewDomainError(gamedto.CodeInvalidArgument, "missing session id", false))
		return
	}

	switch {
	case action == "" && method == fasthttp.MethodGet:
		s.respond(ctx, fasthttp.StatusOK)(s.games.Get(ctx, id))
	case action == "" && method == fasthttp.MethodDelete:
		if err := s.games.Delete(ctx, id); err != nil {
			s.fail(ctx, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	case action == "move" && method == fasthttp.MethodPost:
		var req moveRequest
		if !decodeBody(ctx, &req) {
			return
		}
		s.respond(ctx, fasthttp.StatusOK)(s.games.ApplyMove(ctx, id, req.Move))
	case action == "undo" && method == fasthttp.MethodPost:
		var req undoRequest
		if !decodeBody(ctx, &req) {
			return
		}
		s.respond(ctx, fasthttp.StatusOK)(s.games.Undo(ctx, id, req.Count))
	case action == "suggest" && method == fasthttp.MethodGet:
		s.respond(ctx, fasthttp.StatusOK)(s.games.SuggestMove(ctx, id))
	case action == "resign" && method == fasthttp.MethodPost:
		s.respond(ctx, fasthttp.StatusOK)(s.games.Resign(ctx, id))
	case action == "pgn" && method == fasthttp.MethodGet:
		pgn, err := s.games.ExportPGN(ctx, id)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		ctx.SetContentType("application/x-chess-pgn")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(pgn)
	default:
		writeError(ctx, fasthttp.StatusNotFound,
			gamedto.NewDomainError(gamedto.CodeInvalidArgument, "unknown game action", false))
	}
}

func (s *Server) routePuzzle(ctx *fasthttp.RequestCtx, method, rest string) {
	id, action, _ := strings.Cut(rest, "/")
	switch {
	case action == "attempt" && method == fasthttp.MethodPost:
		var req moveRequest
		if !decodeBody(ctx, &req) {
			return
		}
		s.respond(ctx, fasthttp.StatusOK)(s.puzzles.AttemptMove(ctx, id, req.Move))
	case action == "stats" && method == fasthttp.MethodGet:
		s.respond(ctx, fasthttp.StatusOK)(s.puzzles.Stats(ctx, id))
	default:
		writeError(ctx, fasthttp.StatusNotFound,
			gamedto.NewDomainError(gamedto.CodeInvalidArgument, "unknown puzzle action", false))
	}
}

func (s *Server) handleCreateGame(ctx *fasthttp.RequestCtx) {
	var req createGameRequest
	if !decodeBody(ctx, &req) {
		return
	}
	s.respond(ctx, fasthttp.StatusCreated)(s.games.Create(ctx, req.IsBotGame, req.BotDifficulty))
}

func (s *Server) handleRandomPuzzle(ctx *fasthttp.RequestCtx) {
	difficulty := string(ctx.QueryArgs().Peek("difficulty"))
	s.respond(ctx, fasthttp.StatusOK)(s.puzzles.LoadRandom(ctx, difficulty))
}

type createGameRequest struct {
	IsBotGame     bool `json:"is_bot_game"`
	BotDifficulty *int `json:"bot_difficulty"`
}

type moveRequest struct {
	Move string `json:"move"`
}

type undoRequest struct {
	Count int `json:"count"`
}

// respond writes the service result as JSON, or maps its error.
func (s *Server) respond(ctx *fasthttp.RequestCtx, status int) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			s.fail(ctx, err)
			return
		}
		writeJSON(ctx, status, v)
	}
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, err error) {
	status, domainErr := classify(err)
	if status == fasthttp.StatusInternalServerError {
		obslog.L().Error("request failed",
			zap.ByteString("path", ctx.Path()),
			zap.Error(err),
		)
	}
	writeError(ctx, status, domainErr)
}

// classify maps service errors onto HTTP status and the wire error shape.
func classify(err error) (int, *gamedto.DomainError) {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return fasthttp.StatusNotFound,
			gamedto.NewDomainError(gamedto.CodeSessionNotFound, err.Error(), false)
	case errors.Is(err, game.ErrInvalidMove):
		return fasthttp.StatusBadRequest,
			gamedto.NewDomainError(gamedto.CodeInvalidMove, err.Error(), false)
	case errors.Is(err, game.ErrInvalidArgument):
		return fasthttp.StatusBadRequest,
			gamedto.NewDomainError(gamedto.CodeInvalidArgument, err.Error(), false)
	case errors.Is(err, game.ErrGameFinished):
		return fasthttp.StatusConflict,
			gamedto.NewDomainError(gamedto.CodeGameFinished, err.Error(), false)
	case errors.Is(err, engine.ErrTimeout):
		return fasthttp.StatusServiceUnavailable,
			gamedto.NewDomainError(gamedto.CodeEngineTimeout, err.Error(), true)
	case errors.Is(err, engine.ErrCrashed):
		return fasthttp.StatusServiceUnavailable,
			gamedto.NewDomainError(gamedto.CodeEngineCrashed, err.Error(), true)
	case errors.Is(err, game.ErrEngineUnavailable):
		return fasthttp.StatusServiceUnavailable,
			gamedto.NewDomainError(gamedto.CodeEngineUnavailable, err.Error(), true)
	case errors.Is(err, puzzle.ErrPuzzleNotFound), errors.Is(err, puzzle.ErrNoPuzzles):
		return fasthttp.StatusNotFound,
			gamedto.NewDomainError(gamedto.CodePuzzleNotFound, err.Error(), false)
	case errors.Is(err, puzzle.ErrAlreadySolved):
		return fasthttp.StatusConflict,
			gamedto.NewDomainError(gamedto.CodePuzzleAlreadySolved, err.Error(), false)
	case errors.Is(err, resilience.ErrLockTimeout):
		return fasthttp.StatusServiceUnavailable,
			gamedto.NewDomainError(gamedto.CodeLockTimeout, err.Error(), true)
	default:
		return fasthttp.StatusInternalServerError,
			gamedto.NewDomainError(gamedto.CodeInternal, "internal error", false)
	}
}

func decodeBody(ctx *fasthttp.RequestCtx, out any) bool {
	if err := json.Unmarshal(ctx.PostBody(), out); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest,
			gamedto.NewDomainError(gamedto.CodeInvalidArgument, "malformed request body", false))
		return false
	}
	return true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError,
			gamedto.NewDomainError(gamedto.CodeInternal, "encode response", false))
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, derr *gamedto.DomainError) {
	body, _ := json.Marshal(map[string]*gamedto.DomainError{"error": derr})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}
