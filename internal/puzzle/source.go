package puzzle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

var ErrNoPuzzles = errors.New("no puzzles available")

// Record is a puzzle as loaded from a source: the starting position plus the
// full expected line. Moves alternate solver move and scripted opponent
// reply, solver first.
type Record struct {
	PuzzleID   string
	FEN        string
	Moves      []string
	Difficulty string
	Theme      string
}

type Source interface {
	FetchRandom(ctx context.Context, difficulty string) (*Record, error)
}

type pgSource struct {
	db *sql.DB
}

// NewPostgresSource reads puzzles from the puzzles table; moves are stored as
// a JSON array of UCI strings.
func NewPostgresSource(databaseURL string) (Source, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open puzzle db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping puzzle db: %w", err)
	}
	return &pgSource{db: db}, nil
}

func NewSourceWithDB(db *sql.DB) Source {
	return &pgSource{db: db}
}

func (s *pgSource) FetchRandom(ctx context.Context, difficulty string) (*Record, error) {
	const base = `
		SELECT puzzle_id, fen, moves, difficulty, theme
		FROM puzzles`

	var row *sql.Row
	if strings.TrimSpace(difficulty) != "" {
		row = s.db.QueryRowContext(ctx, base+`
		WHERE difficulty = $1
		ORDER BY random()
		LIMIT 1`, difficulty)
	} else {
		row = s.db.QueryRowContext(ctx, base+`
		ORDER BY random()
		LIMIT 1`)
	}

	var (
		rec   Record
		moves []byte
	)
	err := row.Scan(&rec.PuzzleID, &rec.FEN, &moves, &rec.Difficulty, &rec.Theme)
	if err == sql.ErrNoRows {
		return nil, ErrNoPuzzles
	}
	if err != nil {
		return nil, fmt.Errorf("fetch random puzzle: %w", err)
	}
	if err := json.Unmarshal(moves, &rec.Moves); err != nil {
		return nil, fmt.Errorf("unmarshal puzzle moves: %w", err)
	}
	return &rec, nil
}

// memSource serves a fixed catalog. It backs dev setups without a database
// and the puzzle tests.
type memSource struct {
	mu      sync.Mutex
	rng     *rand.Rand
	records []Record
}

func NewMemorySource(seed int64, records ...Record) Source {
	if len(records) == 0 {
		records = builtinPuzzles()
	}
	return &memSource{
		rng:     rand.New(rand.NewSource(seed)),
		records: records,
	}
}

func (m *memSource) FetchRandom(_ context.Context, difficulty string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*Record, 0, len(m.records))
	for i := range m.records {
		if difficulty == "" || m.records[i].Difficulty == difficulty {
			candidates = append(candidates, &m.records[i])
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoPuzzles
	}
	picked := *candidates[m.rng.Intn(len(candidates))]
	picked.Moves = append([]string(nil), picked.Moves...)
	return &picked, nil
}

// builtinPuzzles is a small seed set of rook ladder mates in two.
func builtinPuzzles() []Record {
	return []Record{
		{
			PuzzleID:   "ladder-mate-white",
			FEN:        "7k/8/8/8/8/8/R7/1R5K w - - 0 1",
			Moves:      []string{"a2a7", "h8g8", "b1b8"},
			Difficulty: "easy",
			Theme:      "ladder_mate",
		},
		{
			PuzzleID:   "ladder-mate-black",
			FEN:        "1r5k/r7/8/8/8/8/8/7K b - - 0 1",
			Moves:      []string{"a7a2", "h1g1", "b8b1"},
			Difficulty: "easy",
			Theme:      "ladder_mate",
		},
		{
			PuzzleID:   "back-rank-one",
			FEN:        "3r2k1/5ppp/8/8/8/8/5PPP/3R2K1 w - - 0 1",
			Moves:      []string{"d1d8"},
			Difficulty: "beginner",
			Theme:      "back_rank",
		},
	}
}
