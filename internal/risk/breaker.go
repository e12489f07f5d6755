package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quorumbot/internal/ports"
)

// BreakerState is the three-state condition of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds the thresholds for one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the breaker
	RecoveryTimeout  time.Duration // open duration before a trial call is allowed
	SuccessThreshold int           // consecutive half-open successes that close it
	CallTimeout      time.Duration // per-call bound so a hung call cannot stall a tick
}

// DefaultBreakerConfig returns the stock thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      10 * time.Second,
	}
}

// CircuitBreaker guards a named resource against repeated failing calls.
// Closed passes calls through; FailureThreshold consecutive failures open it;
// while Open, calls fail fast until RecoveryTimeout has elapsed, after which
// one trial call at a time is allowed (HalfOpen); SuccessThreshold consecutive
// successes close it again, any failure re-opens it.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger ports.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	trialInFlight   bool

	// onTransition, when set, observes state changes (used for metrics/events).
	onTransition func(name string, from, to BreakerState)
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger ports.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultBreakerConfig().CallTimeout
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// SetTransitionHook registers an observer for state changes.
func (b *CircuitBreaker) SetTransitionHook(hook func(name string, from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = hook
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the resource name this breaker guards.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Call executes fn under the breaker's admission and timeout rules.
// A call rejected while Open returns ports.ErrBreakerOpen without invoking fn.
func (b *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	// Run fn in its own goroutine so a call that ignores its context cannot
	// stall the caller beyond CallTimeout.
	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = fmt.Errorf("%s call exceeded %s: %w", b.name, b.cfg.CallTimeout, ports.ErrTimeout)
	}

	b.record(err)
	return err
}

// admit decides whether a call may proceed, moving Open to HalfOpen once the
// recovery timeout has elapsed.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.lastFailureTime) < b.cfg.RecoveryTimeout {
			return fmt.Errorf("breaker %q: %w", b.name, ports.ErrBreakerOpen)
		}
		b.transition(BreakerHalfOpen)
		b.successCount = 0
		b.trialInFlight = true
		return nil
	default: // HalfOpen: one trial at a time
		if b.trialInFlight {
			return fmt.Errorf("breaker %q trial in flight: %w", b.name, ports.ErrBreakerOpen)
		}
		b.trialInFlight = true
		return nil
	}
}

// record folds a call outcome into the breaker state.
func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.trialInFlight = false
	}

	if err == nil {
		switch b.state {
		case BreakerHalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.transition(BreakerClosed)
				b.failureCount = 0
				b.successCount = 0
			}
		default:
			b.failureCount = 0
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	case BreakerClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	}
}

// transition must be called with the mutex held.
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.logger != nil {
		b.logger.Warn(context.Background(), "Circuit breaker state change", map[string]interface{}{
			"breaker": b.name,
			"from":    string(from),
			"to":      string(to),
		})
	}
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
