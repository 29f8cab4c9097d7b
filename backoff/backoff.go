// Package backoff holds the retry delays used for enqueue attempts and
// webhook delivery, and the bounded Retry loop that applies them.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Strategy returns the pause before retry n, where n = 1 follows the
// first failure. Implementations are stateless.
type Strategy interface {
	Delay(n int) time.Duration
}

// Constant waits the same interval before every retry.
type Constant time.Duration

func NewConstant(d time.Duration) Constant { return Constant(d) }

func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Exponential doubles from Initial up to Max. With Jitter set the delay is
// drawn uniformly from [0, cap] so that retries from many workers spread
// out.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// NewExponential is the webhook delivery schedule.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: true}
}

func (e *Exponential) Delay(n int) time.Duration {
	d := e.Initial
	for i := 1; i < n && i < 32 && (e.Max <= 0 || d < e.Max); i++ {
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter && d > 0 {
		d = rand.N(d + 1) //nolint:gosec // jitter needs no crypto rand
	}
	return d
}

// DefaultStrategy is the enqueue retry schedule: 100ms doubling to 5s,
// fully jittered.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(100*time.Millisecond, 5*time.Second)
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying, such as a 4xx webhook
// response or a malformed job ID.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Retry runs fn at most attempts times (at least once), waiting s.Delay
// between failures. A Permanent error ends the loop and is returned
// unwrapped. If ctx ends during a wait the last error is joined with
// ctx.Err().
func Retry(ctx context.Context, s Strategy, attempts int, fn func(ctx context.Context, attempt int) error) error {
	attempts = max(attempts, 1)
	for n := 1; ; n++ {
		err := fn(ctx, n)
		if err == nil {
			return nil
		}
		if p := (*permanent)(nil); errors.As(err, &p) {
			return p.err
		}
		if n >= attempts {
			return err
		}

		timer := time.NewTimer(s.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
