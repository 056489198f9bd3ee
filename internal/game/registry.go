package game

import (
	"context"
	"time"

	"github.com/santrac-app/santrac/internal/resilience"
)

// Registry owns the per-session locks. It is created once at service start
// and handed to the Service explicitly, so session serialization has a single
// owner instead of ambient globals.
type Registry struct {
	locks *resilience.KeyedMutex
	wait  time.Duration
}

func NewRegistry(lockWait time.Duration) *Registry {
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Registry{
		locks: resilience.NewKeyedMutex(),
		wait:  lockWait,
	}
}

// LockSession acquires the exclusive lock for sessionID. All mutating session
// operations run under it; reads take consistent snapshots without it.
func (r *Registry) LockSession(ctx context.Context, sessionID string) (func(), error) {
	return r.locks.Lock(ctx, sessionID, r.wait)
}
