package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Backoff controls Retry.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is three attempts starting at one second.
var DefaultBackoff = Backoff{Attempts: 3, Initial: time.Second, Max: 20 * time.Second}

// delay returns the wait before retry n (1-based) with up to 25% jitter.
func (b Backoff) delay(n int) time.Duration {
	d := b.Initial << (n - 1)
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d - jitter
}

// Retry calls fn until it succeeds, fails with a non-transient error, or the
// attempts run out. It returns the last error.
func Retry[T any](ctx context.Context, b Backoff, op string, fn func(context.Context) (T, error)) (T, error) {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		v, err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == b.Attempts {
			return v, err
		}
		wait := b.delay(attempt)
		zap.L().Debug("resilience: retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return v, eris.Wrapf(ctx.Err(), "resilience: %s", op)
		case <-time.After(wait):
		}
	}
	return v, err
}
