package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Work is a unit of provider-bound work. It returns the tokens it consumed.
type Work func(ctx context.Context) (tokens int, err error)

// TokenCounter is implemented by results that know their token usage.
type TokenCounter interface {
	TokensUsed() int
}

// Manager bounds in-flight work with a global ceiling and optional
// per-provider ceilings. Permits are granted FIFO.
type Manager struct {
	max         int64
	global      *semaphore.Weighted
	perProvider map[string]*semaphore.Weighted
	inFlight    atomic.Int64
	logger      *zap.Logger
}

// NewManager creates a manager with maxConcurrent global permits.
// perProvider entries <= 0 are ignored.
func NewManager(maxConcurrent int, perProvider map[string]int, logger *zap.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		max:         int64(maxConcurrent),
		global:      semaphore.NewWeighted(int64(maxConcurrent)),
		perProvider: make(map[string]*semaphore.Weighted),
		logger:      logger,
	}
	for name, n := range perProvider {
		if n > 0 {
			m.perProvider[name] = semaphore.NewWeighted(int64(n))
		}
	}
	return m
}

// NewManagerFromConfig uses concurrency.max_concurrent and each
// provider's max_concurrent.
func NewManagerFromConfig(cfg *config.Config, logger *zap.Logger) *Manager {
	per := make(map[string]int, len(cfg.Providers))
	for name, p := range cfg.Providers {
		per[name] = p.MaxConcurrent
	}
	return NewManager(cfg.Concurrency.MaxConcurrent, per, logger)
}

// Max returns the global ceiling.
func (m *Manager) Max() int { return int(m.max) }

// InFlight returns the number of permits currently held.
func (m *Manager) InFlight() int { return int(m.inFlight.Load()) }

// Run acquires permits, waits for rate admission on provider, runs work
// and records it with limiter when it succeeds. Permits are always
// released. limiter may be nil.
func (m *Manager) Run(ctx context.Context, provider string, limiter *Limiter, work Work) error {
	if sem, ok := m.perProvider[provider]; ok {
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquiring %s permit: %w", provider, err)
		}
		defer sem.Release(1)
	}

	if err := m.global.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring permit: %w", err)
	}
	PermitsInFlight.Set(float64(m.inFlight.Add(1)))
	defer func() {
		PermitsInFlight.Set(float64(m.inFlight.Add(-1)))
		m.global.Release(1)
	}()

	if limiter != nil {
		if err := limiter.WaitUntilAdmitted(ctx, provider); err != nil {
			return fmt.Errorf("waiting for %s rate limit: %w", provider, err)
		}
	}

	tokens, err := work(ctx)
	if err != nil {
		return err
	}
	if limiter != nil {
		limiter.Record(provider, tokens)
	}
	return nil
}

// Do is Run for work producing a value. Results implementing TokenCounter
// report their usage to the limiter.
func Do[T any](ctx context.Context, m *Manager, provider string, limiter *Limiter, work func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Run(ctx, provider, limiter, func(ctx context.Context) (int, error) {
		v, err := work(ctx)
		if err != nil {
			return 0, err
		}
		out = v
		if tc, ok := any(v).(TokenCounter); ok {
			return tc.TokensUsed(), nil
		}
		return 0, nil
	})
	return out, err
}
