package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned without invoking the guarded call while
	// the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTimeout is returned when a guarded call exceeds its operation timeout.
	ErrTimeout = errors.New("operation timed out")
)

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
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a single breaker. Zero values fall back to the defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // consecutive half-open successes before closing (default 2)
	ResetTimeout     time.Duration // cooldown before a half-open probe (default 30s)
	Timeout          time.Duration // per-call operation timeout, 0 disables

	// Classify reports whether an error counts as a breaker failure.
	// Defaults to counting only infrastructure errors, so business results
	// such as a missing row never trip the breaker.
	Classify func(error) bool

	// OnStateChange is invoked outside the lock after each transition.
	OnStateChange func(name string, from, to State)
}

// Breaker is a per-dependency circuit breaker. State is process-local:
// each instance tracks its own view of dependency health.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time

	now func() time.Time
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Classify == nil {
		cfg.Classify = IsTransient
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker. When the breaker is open the call is
// rejected immediately with ErrCircuitOpen. A call exceeding the configured
// timeout is canceled, counted as a failure and surfaced as ErrTimeout.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	callCtx := ctx
	cancel := func() {}
	if b.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	}
	err := fn(callCtx)
	cancel()

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}

	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
	}

	b.mu.Unlock()
	return nil
}

func (b *Breaker) afterCall(err error) {
	failed := err != nil && b.cfg.Classify(err)

	b.mu.Lock()

	if failed {
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			// Any failure while probing reopens with a fresh timer.
			b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
			b.transition(StateOpen)
		}
		b.mu.Unlock()
		return
	}

	if err == nil {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
	}

	b.mu.Unlock()
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}
