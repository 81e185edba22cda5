package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned without calling the wrapped function while a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker lifecycle position.
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

// BreakerOptions parameterise a circuit breaker.
type BreakerOptions struct {
	Name             string        `mapstructure:"-"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	// IsFailure decides which errors count towards opening. Nil counts every
	// error except context cancellation.
	IsFailure func(error) bool `mapstructure:"-"`
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

// CircuitBreaker stops calling a dependency after repeated failures.
type CircuitBreaker struct {
	opts   BreakerOptions
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewCircuitBreaker constructs a closed breaker.
func NewCircuitBreaker(opts BreakerOptions, logger zerolog.Logger) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 1
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		opts:   opts,
		logger: logger.With().Str("component", "circuit_breaker").Str("breaker", opts.Name).Logger(),
		now:    time.Now,
	}
}

// Name returns the dependency this breaker guards.
func (b *CircuitBreaker) Name() string {
	return b.opts.Name
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := Call(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Call runs fn through the breaker and returns its value.
func Call[T any](b *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}

	value, err := fn()
	b.record(err)
	if err != nil {
		return zero, err
	}
	return value, nil
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.opts.RecoveryTimeout {
			return fmt.Errorf("%s: %w", b.opts.Name, ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info().Msg("circuit half-open, probing dependency")
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%s: %w", b.opts.Name, ErrCircuitOpen)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == StateHalfOpen
	b.probing = false

	if err != nil && !b.countsAsFailure(err) {
		return
	}

	if err == nil {
		if b.state != StateClosed {
			b.logger.Info().Msg("circuit closed")
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if wasProbe || b.failures >= b.opts.FailureThreshold {
		if b.state != StateOpen {
			b.logger.Warn().Err(err).Int("failures", b.failures).Msg("circuit opened")
		}
		b.state = StateOpen
	}
}

func (b *CircuitBreaker) countsAsFailure(err error) bool {
	if b.opts.IsFailure != nil {
		return b.opts.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// State reports the current lifecycle position. An open breaker whose
// recovery timeout elapsed is reported half-open.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.opts.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns a copy of the breaker counters.
func (b *CircuitBreaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.opts.Name,
		State:       state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// IsOpen reports whether err came from an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
