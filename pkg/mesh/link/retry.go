package link

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff describes a bounded retry loop: at most Attempts tries, waiting
// InitialDelay after the first failure and multiplying the wait by
// Multiplier after each further failure. A Multiplier of 1 gives a fixed delay.
type Backoff struct {
	Attempts     int
	InitialDelay time.Duration
	Multiplier   float64
}

// Delay returns the wait that follows the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(b.InitialDelay) * math.Pow(b.multiplier(), float64(attempt-1)))
}

func (b Backoff) multiplier() float64 {
	return max(b.Multiplier, 1)
}

// policy builds the backoff schedule. Delays are not randomized and the
// schedule stops after Attempts-1 waits.
func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	var schedule backoff.BackOff
	if b.multiplier() == 1 {
		schedule = backoff.NewConstantBackOff(b.InitialDelay)
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = b.InitialDelay
		exp.Multiplier = b.multiplier()
		exp.RandomizationFactor = 0
		exp.MaxInterval = time.Duration(math.MaxInt64)
		exp.MaxElapsedTime = 0
		schedule = exp
	}
	retries := uint64(max(b.Attempts, 1) - 1)
	return backoff.WithContext(backoff.WithMaxRetries(schedule, retries), ctx)
}

// Retry calls try until it succeeds, returns a permanent error, or Attempts
// tries have failed. It returns the last error from try, or ctx.Err() if the
// context ends while waiting. There is no wait after the final attempt.
func (b Backoff) Retry(ctx context.Context, try func(attempt int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		return try(attempt)
	}, b.policy(ctx))
}

// Permanent marks err as not worth retrying; Retry returns it unwrapped at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
