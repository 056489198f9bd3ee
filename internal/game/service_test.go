package game

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	nchess "github.com/corentings/chess/v2"
	"github.com/redis/go-redis/v9"

	"github.com/santrac-app/santrac/internal/engine"
	"github.com/santrac-app/santrac/internal/resilience"
	"github.com/santrac-app/santrac/internal/store"
	"github.com/santrac-app/santrac/pkg/gamedto"
)

// scriptedSearcher returns queued replies in order; when the queue is empty
// it fails with failErr (defaults to engine.ErrTimeout).
type scriptedSearcher struct {
	mu      sync.Mutex
	replies []string
	failErr error
	calls   int
}

func (f *scriptedSearcher) next() (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		err := f.failErr
		if err == nil {
			err = engine.ErrTimeout
		}
		return engine.Result{}, err
	}
	mv := f.replies[0]
	f.replies = f.replies[1:]
	return engine.Result{MoveUCI: mv, EvalCP: 20, Elapsed: 5 * time.Millisecond}, nil
}

func (f *scriptedSearcher) BestMove(_ context.Context, _ string, _ []string, _ int) (engine.Result, error) {
	return f.next()
}

func (f *scriptedSearcher) Analyze(_ context.Context, _ string, _ []string) (engine.Result, error) {
	return f.next()
}

func (f *scriptedSearcher) HealthCheck(context.Context) error { return nil }

func level(v int) *int { return &v }

func newTestService(t *testing.T, searcher engine.Searcher) (*Service, Archiver) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	archive := NewMemoryArchive()
	svc := New(
		store.NewWithClient(rdb),
		NewRegistry(2*time.Second),
		searcher,
		archive,
		Options{
			SessionTTL: time.Hour,
			Retry: resilience.Policy{
				MaxAttempts:     2,
				InitialDelay:    time.Millisecond,
				MaxDelay:        5 * time.Millisecond,
				ExponentialBase: 2.0,
			},
			DefaultBotDifficulty: 7,
		},
	)
	return svc, archive
}

func TestBotGameScenario(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{replies: []string{"e7e5"}})
	ctx := context.Background()

	state, err := svc.Create(ctx, true, level(5))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	summary, err := svc.ApplyMove(ctx, state.SessionID, "e2e4")
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if summary.PlayerUCI != "e2e4" || summary.PlayerSAN != "e4" {
		t.Errorf("player move = %s/%s, want e2e4/e4", summary.PlayerUCI, summary.PlayerSAN)
	}
	if summary.BotUCI != "e7e5" {
		t.Errorf("bot move = %q, want e7e5", summary.BotUCI)
	}
	if summary.EngineFailure != nil {
		t.Errorf("unexpected engine failure: %v", summary.EngineFailure)
	}
	if got := summary.State.MovesUCI; len(got) != 2 || got[0] != "e2e4" || got[1] != "e7e5" {
		t.Errorf("history = %v, want [e2e4 e7e5]", got)
	}
	if summary.State.Status != gamedto.StatusInProgress {
		t.Errorf("status = %s, want in_progress", summary.State.Status)
	}
	if summary.State.SideToMove != "white" {
		t.Errorf("side to move = %s, want white", summary.State.SideToMove)
	}
}

func TestIllegalMoveLeavesStateUnchanged(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	before, err := svc.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if _, err := svc.ApplyMove(ctx, state.SessionID, "e2e5"); !errors.Is(err, ErrInvalidMove) {
		t.Fatalf("ApplyMove error = %v, want ErrInvalidMove", err)
	}

	after, err := svc.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.FEN != before.FEN || len(after.MovesUCI) != 0 || after.Status != before.Status {
		t.Errorf("state changed after illegal move: %+v vs %+v", after, before)
	}
}

func TestUndoRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := state.SessionID

	for _, mv := range []string{"e2e4", "e7e5"} {
		if _, err := svc.ApplyMove(ctx, id, mv); err != nil {
			t.Fatalf("ApplyMove %s: %v", mv, err)
		}
	}
	before, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	undone, err := svc.Undo(ctx, id, 1)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if len(undone.MovesUCI) != 1 || undone.MovesUCI[0] != "e2e4" {
		t.Fatalf("history after undo = %v, want [e2e4]", undone.MovesUCI)
	}
	if undone.SideToMove != "black" {
		t.Errorf("side to move after undo = %s, want black", undone.SideToMove)
	}

	if _, err := svc.ApplyMove(ctx, id, "e7e5"); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	after, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.FEN != before.FEN || after.Status != before.Status {
		t.Errorf("undo+replay FEN = %s, want %s", after.FEN, before.FEN)
	}
}

func TestUndoRejectsExcessCount(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.ApplyMove(ctx, state.SessionID, "e2e4"); err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if _, err := svc.Undo(ctx, state.SessionID, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Undo error = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Undo(ctx, state.SessionID, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Undo(0) error = %v, want ErrInvalidArgument", err)
	}
}

func TestUndoRevertsTerminalStatus(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := state.SessionID

	// Fool's mate.
	for _, mv := range []string{"f2f3", "e7e5", "g2g4", "d8h4"} {
		if _, err := svc.ApplyMove(ctx, id, mv); err != nil {
			t.Fatalf("ApplyMove %s: %v", mv, err)
		}
	}
	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != gamedto.StatusBlackWon {
		t.Fatalf("status = %s, want black_won", got.Status)
	}

	if _, err := svc.ApplyMove(ctx, id, "a2a3"); !errors.Is(err, ErrGameFinished) {
		t.Fatalf("move on finished game error = %v, want ErrGameFinished", err)
	}

	undone, err := svc.Undo(ctx, id, 1)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if undone.Status != gamedto.StatusInProgress {
		t.Errorf("status after undo = %s, want in_progress", undone.Status)
	}
}

func TestPartialFailureWhenEngineDown(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{}) // empty queue: always times out
	ctx := context.Background()

	state, err := svc.Create(ctx, true, level(10))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	summary, err := svc.ApplyMove(ctx, state.SessionID, "d2d4")
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if summary.EngineFailure == nil {
		t.Fatal("expected engine failure on summary")
	}
	if summary.EngineFailure.Code != gamedto.CodeEngineTimeout {
		t.Errorf("failure code = %s, want engine_timeout", summary.EngineFailure.Code)
	}
	if !summary.EngineFailure.Retryable {
		t.Error("engine failure should be retryable")
	}
	if summary.BotUCI != "" {
		t.Errorf("bot move = %q, want empty", summary.BotUCI)
	}

	// The player's move stays committed.
	got, err := svc.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.MovesUCI) != 1 || got.MovesUCI[0] != "d2d4" {
		t.Errorf("history = %v, want [d2d4]", got.MovesUCI)
	}
	if got.Status != gamedto.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	searcher := &scriptedSearcher{failErr: engine.ErrCrashed}
	svc, _ := newTestService(t, searcher)
	ctx := context.Background()

	state, err := svc.Create(ctx, true, level(3))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	summary, err := svc.ApplyMove(ctx, state.SessionID, "e2e4")
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if summary.EngineFailure == nil {
		t.Fatal("expected engine failure")
	}
	if summary.EngineFailure.Code != gamedto.CodeEngineCrashed {
		t.Errorf("failure code = %s, want engine_crashed", summary.EngineFailure.Code)
	}
	if searcher.calls != 2 {
		t.Errorf("engine calls = %d, want 2 (retry once then give up)", searcher.calls)
	}
}

func TestEngineUnavailableNotRetried(t *testing.T) {
	searcher := &scriptedSearcher{failErr: engine.ErrUnavailable}
	svc, _ := newTestService(t, searcher)
	ctx := context.Background()

	state, err := svc.Create(ctx, true, level(3))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	summary, err := svc.ApplyMove(ctx, state.SessionID, "e2e4")
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if summary.EngineFailure == nil {
		t.Fatal("expected engine failure")
	}
	if summary.EngineFailure.Code != gamedto.CodeEngineUnavailable {
		t.Errorf("failure code = %s, want engine_unavailable", summary.EngineFailure.Code)
	}
	if searcher.calls != 1 {
		t.Errorf("engine calls = %d, want 1 (pool exhaustion is not transient)", searcher.calls)
	}
}

func TestConcurrentApplyMoveLinearized(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := state.SessionID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApplyMove(ctx, id, "e2e4")
		}(i)
	}
	wg.Wait()

	var okCount int
	for _, e := range errs {
		if e == nil {
			okCount++
		} else if !errors.Is(e, ErrInvalidMove) {
			t.Errorf("unexpected error: %v", e)
		}
	}
	if okCount != 1 {
		t.Fatalf("successful moves = %d, want exactly 1", okCount)
	}

	got, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.MovesUCI) != 1 {
		t.Errorf("history length = %d, want 1", len(got.MovesUCI))
	}
}

func TestReplayInvariant(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, mv := range []string{"g1f3", "d7d5", "d2d4", "g8f6", "c2c4"} {
		if _, err := svc.ApplyMove(ctx, state.SessionID, mv); err != nil {
			t.Fatalf("ApplyMove %s: %v", mv, err)
		}
	}

	got, err := svc.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	replayed := nchess.NewGame()
	for _, mv := range got.MovesUCI {
		move, err := (nchess.UCINotation{}).Decode(replayed.Position(), mv)
		if err != nil {
			t.Fatalf("decode %s: %v", mv, err)
		}
		if err := replayed.Move(move, nil); err != nil {
			t.Fatalf("apply %s: %v", mv, err)
		}
	}
	if replayed.FEN() != got.FEN {
		t.Errorf("replayed FEN = %s, stored = %s", replayed.FEN(), got.FEN)
	}
}

func TestSuggestMoveDoesNotMutate(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{replies: []string{"e2e4"}})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	hint, err := svc.SuggestMove(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("SuggestMove: %v", err)
	}
	if hint.MoveUCI != "e2e4" || hint.MoveSAN != "e4" {
		t.Errorf("hint = %s/%s, want e2e4/e4", hint.MoveUCI, hint.MoveSAN)
	}

	got, err := svc.Get(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.MovesUCI) != 0 {
		t.Errorf("history = %v, want empty", got.MovesUCI)
	}
}

func TestResignArchivesGame(t *testing.T) {
	svc, archive := newTestService(t, &scriptedSearcher{replies: []string{"e7e5"}})
	ctx := context.Background()

	state, err := svc.Create(ctx, true, level(5))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.ApplyMove(ctx, state.SessionID, "e2e4"); err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}

	// White to move resigns: black wins.
	got, err := svc.Resign(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if got.Status != gamedto.StatusBlackWon {
		t.Errorf("status = %s, want black_won", got.Status)
	}

	recent, err := archive.GetRecentGames(ctx, 5)
	if err != nil {
		t.Fatalf("GetRecentGames: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("archived games = %d, want 1", len(recent))
	}
	if recent[0].SessionID != state.SessionID || recent[0].Status != gamedto.StatusBlackWon {
		t.Errorf("archived game = %+v", recent[0])
	}
	if recent[0].PGN == "" {
		t.Error("archived game has empty PGN")
	}
}

func TestExportPGN(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, false, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, mv := range []string{"e2e4", "e7e5"} {
		if _, err := svc.ApplyMove(ctx, state.SessionID, mv); err != nil {
			t.Fatalf("ApplyMove %s: %v", mv, err)
		}
	}

	pgn, err := svc.ExportPGN(ctx, state.SessionID)
	if err != nil {
		t.Fatalf("ExportPGN: %v", err)
	}
	if !strings.Contains(pgn, "e4") || !strings.Contains(pgn, "e5") {
		t.Errorf("PGN missing moves: %q", pgn)
	}
}

func TestCreateDefaultsBotDifficulty(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	ctx := context.Background()

	state, err := svc.Create(ctx, true, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if state.BotDifficulty != 7 {
		t.Errorf("difficulty = %d, want configured default 7", state.BotDifficulty)
	}

	explicit, err := svc.Create(ctx, true, level(2))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if explicit.BotDifficulty != 2 {
		t.Errorf("difficulty = %d, want explicit 2", explicit.BotDifficulty)
	}
}

func TestCreateRejectsBadDifficulty(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	if _, err := svc.Create(context.Background(), true, level(21)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Create error = %v, want ErrInvalidArgument", err)
	}
	if _, err := svc.Create(context.Background(), true, level(-1)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Create error = %v, want ErrInvalidArgument", err)
	}
}

func TestGetUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, &scriptedSearcher{})
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get error = %v, want ErrSessionNotFound", err)
	}
}
