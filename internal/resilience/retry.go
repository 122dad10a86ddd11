// Package resilience provides retry with capped exponential backoff and
// per-provider circuit breakers.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/foundry/internal/config"
	"go.uber.org/zap"
)

// Policy configures a Retrier.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy is 3 attempts, 1s base, 60s cap, doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
	}
}

// PolicyFromConfig converts the retry section.
func PolicyFromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay.Duration(),
		MaxDelay:    c.MaxDelay.Duration(),
		Multiplier:  c.Multiplier,
	}
}

// Delay returns the sleep after 0-indexed attempt n given a jitter
// fraction in [0,1): min(base*mult^n + jitter*0.1*base*mult^n, max).
func (p Policy) Delay(n int, jitter float64) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	d += jitter * 0.1 * d
	if ceiling := float64(p.MaxDelay); d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

// jitterBackOff adapts Policy to backoff.BackOff. Delays never shrink from
// one attempt to the next, even when jitter outweighs a small multiplier.
type jitterBackOff struct {
	policy  Policy
	attempt int
	prev    time.Duration
	rand    func() float64
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	d := max(b.policy.Delay(b.attempt, b.rand()), b.prev)
	b.attempt++
	b.prev = d
	return d
}

func (b *jitterBackOff) Reset() {
	b.attempt = 0
	b.prev = 0
}

// Permanent marks err as not worth retrying. Already permanent errors are
// returned unchanged.
func Permanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	return backoff.Permanent(err)
}

// Retrier runs operations with bounded attempts.
type Retrier struct {
	policy Policy
	logger *zap.Logger
	rand   func() float64
}

// NewRetrier creates a retrier. Zero fields in p take DefaultPolicy values.
func NewRetrier(p Policy, logger *zap.Logger) *Retrier {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: p, logger: logger, rand: rand.Float64}
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Do runs op until it succeeds, returns a permanent error, or runs out of
// attempts. The last error is returned as produced by op.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Retry(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry is Do for operations producing a value.
func Retry[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		r.logger.Debug("attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts))

		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("succeeded after retries", zap.Int("retries", attempt-1))
			}
			RetryAttempts.WithLabelValues("success").Inc()
			return v, nil
		}
		RetryAttempts.WithLabelValues("failure").Inc()
		if isPermanent(err) {
			return v, Permanent(err)
		}
		if attempt >= r.policy.MaxAttempts {
			r.logger.Warn("giving up", zap.Int("attempts", attempt), zap.Error(err))
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&jitterBackOff{policy: r.policy, rand: r.rand}),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Info("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", next),
				zap.Error(err))
		}),
	)
	// backoff returns a permanent error still wrapped when it came from the
	// final attempt.
	if perm, ok := err.(*backoff.PermanentError); ok {
		err = perm.Err
	}
	return v, err
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled)
}
