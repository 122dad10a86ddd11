// Package ratelimit enforces per-provider call budgets and the global
// concurrency ceiling shared by every project.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Window is the trailing interval a calls-per-minute budget covers.
	Window = time.Minute

	// maxWaitStep bounds a single sleep in WaitUntilAdmitted.
	maxWaitStep = 10 * time.Second
)

// ProviderWindow is a point-in-time view of one provider's window.
type ProviderWindow struct {
	Provider  string        `json:"provider"`
	Limit     int           `json:"limit"`
	InWindow  int           `json:"in_window"`
	Available int           `json:"available"`
	WaitFor   time.Duration `json:"wait_for"`
}

// Limiter is a sliding-window limiter keyed by provider. Providers never
// share budget. Safe for concurrent use.
type Limiter struct {
	limits map[string]int
	clock  Clock
	usage  *UsageStore
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string][]time.Time
	warn    map[string]*rate.Sometimes
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) LimiterOption {
	return func(l *Limiter) { l.clock = c }
}

// WithUsageStore persists aggregate counters on every Record.
func WithUsageStore(s *UsageStore) LimiterOption {
	return func(l *Limiter) { l.usage = s }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) LimiterOption {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter creates a limiter with calls-per-minute budgets by provider.
func NewLimiter(limits map[string]int, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		limits:  make(map[string]int, len(limits)),
		clock:   realClock{},
		logger:  zap.NewNop(),
		windows: make(map[string][]time.Time),
		warn:    make(map[string]*rate.Sometimes),
	}
	for name, n := range limits {
		l.limits[name] = n
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewLimiterFromConfig builds budgets from the providers section.
func NewLimiterFromConfig(cfg *config.Config, opts ...LimiterOption) *Limiter {
	limits := make(map[string]int, len(cfg.Providers))
	for _, name := range cfg.ProviderNames() {
		limits[name] = cfg.Provider(name).CallsPerMinute
	}
	return NewLimiter(limits, opts...)
}

// Limit returns the calls-per-minute budget of provider.
func (l *Limiter) Limit(provider string) int {
	if n, ok := l.limits[provider]; ok && n > 0 {
		return n
	}
	return config.DefaultCallsPerMinute
}

// prune drops timestamps older than the window. Caller holds mu.
func (l *Limiter) prune(provider string, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	w := l.windows[provider]
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w = append(w[:0:0], w[i:]...)
		l.windows[provider] = w
	}
	return w
}

// waitFor returns how long until the oldest entry ages out. Caller holds mu.
func (l *Limiter) waitFor(w []time.Time, now time.Time) time.Duration {
	if len(w) == 0 {
		return 0
	}
	d := w[0].Add(Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Admit reports whether provider has room in its trailing window.
func (l *Limiter) Admit(provider string) bool {
	now := l.clock.Now()
	limit := l.Limit(provider)

	l.mu.Lock()
	w := l.prune(provider, now)
	admitted := len(w) < limit
	wait := l.waitFor(w, now)
	s := l.sometimes(provider)
	l.mu.Unlock()

	if admitted {
		AdmissionsTotal.WithLabelValues(provider, "admitted").Inc()
		return true
	}

	AdmissionsTotal.WithLabelValues(provider, "refused").Inc()
	s.Do(func() {
		l.logger.Warn("rate limit approaching",
			zap.String("provider", provider),
			zap.Int("in_window", len(w)),
			zap.Int("limit", limit),
			zap.Duration("wait", wait),
		)
	})
	return false
}

// sometimes returns the per-provider warning throttle. Caller holds mu.
func (l *Limiter) sometimes(provider string) *rate.Sometimes {
	s, ok := l.warn[provider]
	if !ok {
		s = &rate.Sometimes{First: 1, Interval: maxWaitStep}
		l.warn[provider] = s
	}
	return s
}

// Record notes a request that was actually sent and bumps usage counters.
func (l *Limiter) Record(provider string, tokens int) {
	now := l.clock.Now()

	l.mu.Lock()
	w := append(l.prune(provider, now), now)
	l.windows[provider] = w
	occupancy := len(w)
	l.mu.Unlock()

	WindowOccupancy.WithLabelValues(provider).Set(float64(occupancy))
	if l.usage != nil {
		l.usage.Add(provider, tokens)
	}
}

// WaitUntilAdmitted blocks the caller until provider has room, sleeping
// at most maxWaitStep between checks.
func (l *Limiter) WaitUntilAdmitted(ctx context.Context, provider string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Admit(provider) {
			return nil
		}

		wait := l.WaitFor(provider)
		if wait <= 0 {
			continue
		}
		if wait > maxWaitStep {
			wait = maxWaitStep
		}
		l.logger.Debug("waiting for rate limit window",
			zap.String("provider", provider), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// WaitFor returns how long until provider's oldest entry ages out.
func (l *Limiter) WaitFor(provider string) time.Duration {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitFor(l.prune(provider, now), now)
}

// Snapshot returns the state of every configured or used provider,
// sorted by name.
func (l *Limiter) Snapshot() []ProviderWindow {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	names := make(map[string]struct{}, len(l.limits)+len(l.windows))
	for name := range l.limits {
		names[name] = struct{}{}
	}
	for name := range l.windows {
		names[name] = struct{}{}
	}

	out := make([]ProviderWindow, 0, len(names))
	for name := range names {
		w := l.prune(name, now)
		limit := l.Limit(name)
		avail := limit - len(w)
		if avail < 0 {
			avail = 0
		}
		out = append(out, ProviderWindow{
			Provider:  name,
			Limit:     limit,
			InWindow:  len(w),
			Available: avail,
			WaitFor:   l.waitFor(w, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
