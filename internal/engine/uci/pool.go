package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/obslog"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("engine pool closed")

type PoolConfig struct {
	BinaryPath string
	BinaryArgs []string
	Capacity   int
}

// Pool keeps up to Capacity engine processes warm. Sessions released with an
// error are destroyed rather than reused; the replacement is spawned lazily
// on the next Acquire, so one crash never cascades into a restart storm.
type Pool struct {
	cfg  PoolConfig
	idle chan *Session

	mu     sync.Mutex
	total  int
	closed bool
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 2
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("engine binary %s: %w", cfg.BinaryPath, err)
	}
	return &Pool{
		cfg:  cfg,
		idle: make(chan *Session, cfg.Capacity),
	}, nil
}

// Warm pre-spawns processes so the first real request does not pay startup
// cost. Failures are logged and left for lazy respawn.
func (p *Pool) Warm(ctx context.Context) {
	for i := 0; i < p.cfg.Capacity; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Capacity {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		s, err := p.spawn(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			obslog.L().Warn("engine warm-up spawn failed", zap.Error(err))
			return
		}
		p.idle <- s
	}
}

// Acquire returns a ready session: an idle one if available, a fresh spawn if
// the pool is under capacity, otherwise it blocks until a release or ctx end.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		select {
		case s := <-p.idle:
			p.mu.Unlock()
			if s == nil {
				// Wake-up sentinel from destroy: capacity freed, re-check.
				continue
			}
			if err := s.EnsureReady(ctx); err != nil {
				obslog.L().Warn("discarding unresponsive engine session", zap.Error(err))
				p.destroy(s)
				continue
			}
			return s, nil
		default:
		}

		if p.total < p.cfg.Capacity {
			p.total++
			p.mu.Unlock()
			s, err := p.spawn(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			return s, nil
		}
		p.mu.Unlock()

		select {
		case s := <-p.idle:
			if s == nil {
				continue
			}
			if err := s.EnsureReady(ctx); err != nil {
				obslog.L().Warn("discarding unresponsive engine session", zap.Error(err))
				p.destroy(s)
				continue
			}
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a session to the pool. A non-nil opErr means the process
// state is suspect and the session is destroyed instead of reused.
func (p *Pool) Release(s *Session, opErr error) {
	if s == nil {
		return
	}
	if opErr != nil {
		obslog.L().Info("destroying engine session after failure", zap.Error(opErr))
		p.destroy(s)
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(s)
		return
	}

	select {
	case p.idle <- s:
	default:
		p.destroy(s)
	}
}

// Stats reports total live processes and how many are idle.
func (p *Pool) Stats() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.idle)
}

func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			if s != nil {
				p.destroy(s)
			}
		default:
			return
		}
	}
}

func (p *Pool) spawn(ctx context.Context) (*Session, error) {
	s, err := NewSession(ctx, p.cfg.BinaryPath, p.cfg.BinaryArgs...)
	if err != nil {
		return nil, fmt.Errorf("spawn engine: %w", err)
	}
	return s, nil
}

func (p *Pool) destroy(s *Session) {
	_ = s.Close()
	p.mu.Lock()
	p.total--
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	// A waiter blocked at capacity cannot see the freed slot on its own:
	// nudge it with a nil sentinel so it loops back and spawns.
	select {
	case p.idle <- nil:
	default:
	}
}
