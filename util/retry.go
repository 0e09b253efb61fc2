package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Retrier calls a function until it succeeds, using exponential backoff
// between attempts. It drives the gram status poll, the EC2 instance
// wait and the EC2 ssh connect.
type Retrier struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// Zero means no limit.
	MaxElapsedTime time.Duration
	// Zero or less means no limit.
	MaxTries int
	// ShouldRetry reports whether err is transient. Nil retries every error.
	ShouldRetry func(err error) bool
	Notify      func(err error, d time.Duration)
}

// PollRetrier backs off from initial to maxInterval with a little jitter and never
// gives up on its own; only ctx or a permanent error stops it.
func PollRetrier(initial, maxInterval time.Duration) *Retrier {
	return &Retrier{
		InitialInterval:     initial,
		MaxInterval:         maxInterval,
		Multiplier:          1.5,
		RandomizationFactor: 0.2,
	}
}

// FixedRetrier retries every interval until limit has elapsed.
func FixedRetrier(interval, limit time.Duration) *Retrier {
	return &Retrier{
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1,
		MaxElapsedTime:  limit,
	}
}

// Retry calls f until it returns nil or a permanent error, the backoff
// gives up, or ctx is done. In the last case ctx.Err() is returned.
func (r *Retrier) Retry(ctx context.Context, f func() error) error {
	b := backoff.WithContext(r.backoff(), ctx)
	err := backoff.RetryNotify(func() error { return r.check(f()) }, b, r.notify)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Retrier) notify(err error, d time.Duration) {
	if r.Notify != nil {
		r.Notify(err, d)
	}
}

func (r *Retrier) check(err error) error {
	if err != nil && r.ShouldRetry != nil && !r.ShouldRetry(err) {
		return &backoff.PermanentError{Err: err}
	}
	return err
}

func (r *Retrier) backoff() backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
		MaxElapsedTime:      r.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	if r.MaxTries <= 0 {
		return eb
	}
	// MaxTries counts the first call too.
	return backoff.WithMaxRetries(eb, uint64(r.MaxTries-1))
}
