package game

import (
	"context"
	"sort"
	"sync"

	"github.com/santrac-app/santrac/pkg/gamedto"
)

// memArchive is the in-memory Archiver used when no database.url is
// configured, and by tests.
type memArchive struct {
	mu     sync.Mutex
	nextID int64
	games  map[string]*gamedto.ArchivedGame
}

func NewMemoryArchive() Archiver {
	return &memArchive{
		nextID: 1,
		games:  make(map[string]*gamedto.ArchivedGame),
	}
}

func (m *memArchive) InsertGame(_ context.Context, game *gamedto.ArchivedGame) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.games[game.SessionID]; exists {
		return 0, ErrDuplicateArchive
	}
	stored := *game
	stored.ID = m.nextID
	m.nextID++
	m.games[game.SessionID] = &stored
	return stored.ID, nil
}

func (m *memArchive) GetRecentGames(_ context.Context, limit int) ([]*gamedto.ArchivedGame, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*gamedto.ArchivedGame, 0, len(m.games))
	for _, g := range m.games {
		copied := *g
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
