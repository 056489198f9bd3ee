package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/santrac-app/santrac/internal/obslog"
)

// Policy bounds a retry loop: attempts are capped and delays grow
// exponentially up to MaxDelay, so a caller-visible deadline is always
// reached even when every attempt fails.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.ExponentialBase < 1.1 {
		p.ExponentialBase = 2.0
	}
	return p
}

// Retry runs op until it succeeds, fails permanently, or the attempt budget
// is exhausted. transient decides whether an error is worth another attempt;
// validation failures must report false so they surface immediately.
func Retry[T any](ctx context.Context, p Policy, label string, op func() (T, error), transient func(error) bool) (T, error) {
	p = p.normalized()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = p.ExponentialBase
	if !p.Jitter {
		expo.RandomizationFactor = 0
	}

	wrapped := func() (T, error) {
		out, err := op()
		if err != nil && transient != nil && !transient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	notify := func(err error, next time.Duration) {
		obslog.L().Warn("retrying after transient failure",
			zap.String("op", label),
			zap.Duration("next_delay", next),
			zap.Error(err),
		)
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(notify),
	)
}
