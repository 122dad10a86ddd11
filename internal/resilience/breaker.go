package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without calling the operation while a
// provider's breaker is open or its half-open trial is in flight.
var ErrCircuitOpen = &recovery.Error{
	Kind: recovery.KindConnectivity,
	Err:  errors.New("temporarily unavailable"),
}

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker stops calls to a failing provider for a cool-down period.
//
// Closed -> Open after threshold consecutive failures; Open -> HalfOpen
// once timeout has passed since the last failure; the single HalfOpen
// trial closes the breaker on success and reopens it on failure.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock overrides time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger *zap.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, timeout time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the provider the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call runs op unless the breaker is open. An op that fails after ctx was
// cancelled or ran past its deadline does not count as a provider failure.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	isTrial, err := b.before()
	if err != nil {
		return err
	}

	err = op(ctx)
	b.after(isTrial, err, ctx.Err() != nil)
	return err
}

func (b *Breaker) before() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.timeout {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return true, nil
	case StateHalfOpen:
		if b.trial {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) after(isTrial bool, err error, callerDone bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isTrial {
		b.trial = false
	}

	if err == nil {
		if b.state == StateHalfOpen {
			b.logger.Info("circuit breaker closed", zap.String("provider", b.name))
			b.setState(StateClosed)
		}
		b.failures = 0
		return
	}

	// An abandoned trial leaves the breaker half-open for the next caller.
	if callerDone || errors.Is(err, context.Canceled) {
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			b.logger.Warn("circuit breaker opened",
				zap.String("provider", b.name),
				zap.Int("failures", b.failures),
				zap.Duration("timeout", b.timeout),
				zap.Error(err))
		}
		b.setState(StateOpen)
	}
}

// setState updates state and the gauge. Caller holds mu.
func (b *Breaker) setState(s State) {
	b.state = s
	BreakerState.WithLabelValues(b.name).Set(float64(s))
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Breakers holds one breaker per provider, shared across projects.
type Breakers struct {
	threshold int
	timeout   time.Duration
	opts      []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty registry; breakers are created on first use.
func NewBreakers(cfg config.BreakerConfig, opts ...BreakerOption) *Breakers {
	return &Breakers{
		threshold: cfg.FailureThreshold,
		timeout:   cfg.Timeout.Duration(),
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for provider.
func (r *Breakers) Get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(provider, r.threshold, r.timeout, r.opts...)
		r.breakers[provider] = b
	}
	return b
}

// Snapshot returns every breaker's status sorted by provider.
func (r *Breakers) Snapshot() []BreakerStatus {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(list))
	for _, b := range list {
		b.mu.Lock()
		out = append(out, BreakerStatus{Provider: b.name, State: b.state.String(), Failures: b.failures})
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
