package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultReadyTimeout = 4 * time.Second

// Failure classes for one engine exchange. Both are transient: the retry
// layer may attempt again, the pool replaces a crashed process lazily.
var (
	ErrTimeout = errors.New("engine search timed out")
	ErrCrashed = errors.New("engine process crashed")
)

// Options are UCI engine options applied before a search.
type Options struct {
	Threads    int
	SkillLevel int
	HashMB     int
	MultiPV    int
}

// Limits is the search budget: depth and/or movetime must be set.
type Limits struct {
	Depth          int
	MoveTimeMillis int
}

type SearchRequest struct {
	FEN     string
	Moves   []string
	Options Options
	Limits  Limits
}

type SearchResponse struct {
	BestMove  string
	EvalCP    int
	Principal []string
}

// Session owns one engine subprocess speaking UCI over stdin/stdout.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu     sync.Mutex // serializes stdin writes
	search sync.Mutex // one search per process at a time

	applied Options
}

func NewSession(ctx context.Context, binaryPath string, args ...string) (*Session, error) {
	cmd := exec.Command(binaryPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &Session{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdoutPipe),
	}

	if err := s.initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Search runs one position/go exchange. The budget-derived deadline is
// independent of the caller's context: an abandoned request still runs to
// bestmove or timeout so the process is never left mid-search.
func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	if err := s.applyOptions(req.Options); err != nil {
		return SearchResponse{}, fmt.Errorf("%w: apply options: %v", ErrCrashed, err)
	}

	if err := s.send(buildPositionCommand(req.FEN, req.Moves)); err != nil {
		return SearchResponse{}, fmt.Errorf("%w: send position: %v", ErrCrashed, err)
	}

	goCmd, err := buildGoCommand(req.Limits)
	if err != nil {
		return SearchResponse{}, err
	}
	if err := s.send(goCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("%w: send go: %v", ErrCrashed, err)
	}

	searchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), searchDeadline(req.Limits))
	defer cancel()

	var (
		evalCP    int
		principal []string
	)
	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return SearchResponse{}, fmt.Errorf("%w after %s", ErrTimeout, searchDeadline(req.Limits))
			}
			return SearchResponse{}, fmt.Errorf("%w: read line: %v", ErrCrashed, err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info "):
			if cp, pv, ok := parseInfo(line); ok {
				evalCP = cp
				principal = pv
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) < 2 || parts[1] == "(none)" {
				return SearchResponse{}, fmt.Errorf("%w: no best move in %q", ErrCrashed, line)
			}
			return SearchResponse{
				BestMove:  parts[1],
				EvalCP:    evalCP,
				Principal: principal,
			}, nil
		}
	}
}

// EnsureReady runs an isready round trip; failure means the process is gone
// or wedged and the session must be discarded.
func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("%w: send isready: %v", ErrCrashed, err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("%w: wait readyok: %v", ErrCrashed, err)
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.cmd != nil {
		return s.cmd.Wait()
	}
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// applyOptions sends setoption commands only when they changed since the
// last search on this process.
func (s *Session) applyOptions(opt Options) error {
	if opt == s.applied {
		return nil
	}
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	hash := opt.HashMB
	if hash <= 0 {
		hash = 64
	}
	multiPV := opt.MultiPV
	if multiPV <= 0 {
		multiPV = 1
	}
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", hash),
		fmt.Sprintf("setoption name Skill Level value %d\n", opt.SkillLevel),
		fmt.Sprintf("setoption name MultiPV value %d\n", multiPV),
		"setoption name Move Overhead value 100\n",
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return err
		}
	}
	s.applied = opt
	return nil
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func buildGoCommand(l Limits) (string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if len(args) == 1 {
		return "", errors.New("no search limits specified")
	}
	return strings.Join(args, " ") + "\n", nil
}

// searchDeadline leaves headroom over the nominal budget so a slow but alive
// engine is not misclassified as timed out.
func searchDeadline(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		return time.Duration(l.MoveTimeMillis)*time.Millisecond + 2*time.Second
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		if base < 6*time.Second {
			base = 6 * time.Second
		}
		if base > 20*time.Second {
			base = 20 * time.Second
		}
		return base
	}
	return 6 * time.Second
}

// parseInfo extracts the score and principal variation from an info line.
func parseInfo(line string) (int, []string, bool) {
	parts := strings.Fields(line)
	var (
		evalCP  int
		evalSet bool
		pvIdx   = -1
	)
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "score":
			if i+2 < len(parts) {
				switch parts[i+1] {
				case "cp":
					if v, err := strconv.Atoi(parts[i+2]); err == nil {
						evalCP = v
						evalSet = true
					}
				case "mate":
					if v, err := strconv.Atoi(parts[i+2]); err == nil {
						const mateValue = 30000
						if v >= 0 {
							evalCP = mateValue
						} else {
							evalCP = -mateValue
						}
						evalSet = true
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}
	if pvIdx == -1 || pvIdx >= len(parts) {
		return 0, nil, false
	}
	if !evalSet {
		evalCP = 0
	}
	return evalCP, append([]string(nil), parts[pvIdx:]...), true
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		line, err := s.stdout.ReadString('\n')
		ch <- result{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}
