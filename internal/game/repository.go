package game

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/santrac-app/santrac/pkg/gamedto"
)

var ErrDuplicateArchive = errors.New("game already archived")

// Archiver persists finished games. The service archives best-effort: an
// archive failure is logged, never surfaced to the player.
type Archiver interface {
	InsertGame(ctx context.Context, game *gamedto.ArchivedGame) (int64, error)
	GetRecentGames(ctx context.Context, limit int) ([]*gamedto.ArchivedGame, error)
}

type pgArchive struct {
	db *sql.DB
}

// NewPostgresArchive opens the archive database and returns a repository
// over it. The schema is managed externally (migrations).
func NewPostgresArchive(databaseURL string) (Archiver, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	return &pgArchive{db: db}, nil
}

func NewArchiveWithDB(db *sql.DB) Archiver {
	return &pgArchive{db: db}
}

func (r *pgArchive) InsertGame(ctx context.Context, game *gamedto.ArchivedGame) (int64, error) {
	if game == nil {
		return 0, fmt.Errorf("nil archived game payload")
	}

	movesUCI, err := json.Marshal(game.MovesUCI)
	if err != nil {
		return 0, fmt.Errorf("marshal moves_uci: %w", err)
	}

	const query = `
		INSERT INTO archived_games (
			session_id,
			status,
			method,
			moves_uci,
			pgn,
			is_bot_game,
			bot_difficulty,
			started_at,
			ended_at,
			duration_ms
		)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING
		RETURNING id`

	var id sql.NullInt64
	err = r.db.QueryRowContext(
		ctx,
		query,
		game.SessionID,
		game.Status,
		game.Method,
		movesUCI,
		game.PGN,
		game.IsBotGame,
		game.BotDifficulty,
		game.StartedAt,
		game.EndedAt,
		game.Duration.Milliseconds(),
	).Scan(&id)
	if err == sql.ErrNoRows || (err == nil && !id.Valid) {
		return 0, ErrDuplicateArchive
	}
	if err != nil {
		return 0, fmt.Errorf("insert archived game: %w", err)
	}
	return id.Int64, nil
}

func (r *pgArchive) GetRecentGames(ctx context.Context, limit int) ([]*gamedto.ArchivedGame, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
		SELECT
			id,
			session_id,
			status,
			method,
			moves_uci,
			pgn,
			is_bot_game,
			bot_difficulty,
			started_at,
			ended_at,
			duration_ms
		FROM archived_games
		ORDER BY ended_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent games: %w", err)
	}
	defer rows.Close()

	var out []*gamedto.ArchivedGame
	for rows.Next() {
		g, err := scanArchivedGame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanArchivedGame(rows *sql.Rows) (*gamedto.ArchivedGame, error) {
	var (
		g          gamedto.ArchivedGame
		movesUCI   []byte
		durationMS int64
	)
	if err := rows.Scan(
		&g.ID,
		&g.SessionID,
		&g.Status,
		&g.Method,
		&movesUCI,
		&g.PGN,
		&g.IsBotGame,
		&g.BotDifficulty,
		&g.StartedAt,
		&g.EndedAt,
		&durationMS,
	); err != nil {
		return nil, fmt.Errorf("scan archived game: %w", err)
	}
	if len(movesUCI) > 0 {
		if err := json.Unmarshal(movesUCI, &g.MovesUCI); err != nil {
			return nil, fmt.Errorf("unmarshal moves_uci: %w", err)
		}
	}
	g.Duration = durationFromMillis(durationMS)
	return &g, nil
}

func durationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
