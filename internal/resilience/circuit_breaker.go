// Package resilience provides the circuit breaker and retry-with-backoff
// primitives used to guard peer-to-peer delivery fetches and stats/snapshot
// publication against a misbehaving remote.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/observability"
)

// State is a circuit breaker's current mode.
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

var (
	ErrOpen              = errors.New("circuit breaker is open")
	ErrHalfOpenExhausted = errors.New("max requests exceeded in half-open state")
)

// Config holds a circuit breaker's tunables.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	ResetTimeout     time.Duration // time open before probing half-open
	HalfOpenMax      int           // concurrent probes allowed while half-open
	SuccessThreshold int           // consecutive half-open successes to close
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax == 0 {
		c.HalfOpenMax = 3
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	return c
}

type counts struct {
	consecutiveFailures  int
	consecutiveSuccesses int
}

// CircuitBreaker guards a single remote dependency (a specific worker's
// delivery port, or a stats/snapshot backend). State transitions are driven
// entirely by Execute's callers; there is no background goroutine.
type CircuitBreaker struct {
	name   string
	config Config

	state           atomic.Value // State
	lastStateChange atomic.Value // time.Time
	lastFailure     atomic.Value // time.Time

	halfOpenInFlight atomic.Int32

	mu     sync.Mutex
	counts counts

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New constructs a CircuitBreaker in the closed state.
func New(name string, config Config, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	cb := &CircuitBreaker{name: name, config: config.withDefaults(), logger: logger, metrics: metrics}
	cb.state.Store(StateClosed)
	cb.lastStateChange.Store(time.Now())
	cb.lastFailure.Store(time.Time{})
	return cb
}

func (cb *CircuitBreaker) getState() State { return cb.state.Load().(State) }

func (cb *CircuitBreaker) transitionTo(s State) {
	cb.state.Store(s)
	cb.lastStateChange.Store(time.Now())
	cb.mu.Lock()
	cb.counts = counts{}
	cb.mu.Unlock()
	cb.metrics.RecordGauge("circuit_breaker_state", float64(s), map[string]string{"name": cb.name})
	cb.logger.Info("circuit breaker state change", map[string]interface{}{"name": cb.name, "state": s.String()})
}

// canExecute checks whether a call is currently admitted, transitioning
// Open -> HalfOpen automatically once the reset timeout has elapsed.
func (cb *CircuitBreaker) canExecute() error {
	switch cb.getState() {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailure.Load().(time.Time)) > cb.config.ResetTimeout {
			cb.transitionTo(StateHalfOpen)
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if int(cb.halfOpenInFlight.Load()) >= cb.config.HalfOpenMax {
			return ErrHalfOpenExhausted
		}
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state %v", cb.getState())
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	cb.counts.consecutiveFailures = 0
	cb.counts.consecutiveSuccesses++
	successes := cb.counts.consecutiveSuccesses
	cb.mu.Unlock()

	if cb.getState() == StateHalfOpen && successes >= cb.config.SuccessThreshold {
		cb.transitionTo(StateClosed)
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailure.Store(time.Now())
	cb.mu.Lock()
	cb.counts.consecutiveSuccesses = 0
	cb.counts.consecutiveFailures++
	failures := cb.counts.consecutiveFailures
	cb.mu.Unlock()

	state := cb.getState()
	if state == StateHalfOpen {
		cb.transitionTo(StateOpen)
		return
	}
	if state == StateClosed && failures >= cb.config.FailureThreshold {
		cb.transitionTo(StateOpen)
	}
}

// Execute runs fn under the breaker's protection. fn is expected to honor
// ctx cancellation itself (e.g. a net.Conn deadline derived from ctx); this
// breaker does not impose its own timeout, unlike a bare retry loop.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.canExecute(); err != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_rejected_total", 1, map[string]string{"name": cb.name})
		return errors.Wrapf(err, "circuit breaker %q", cb.name)
	}

	if cb.getState() == StateHalfOpen {
		cb.halfOpenInFlight.Add(1)
		defer cb.halfOpenInFlight.Add(-1)
	}

	start := time.Now()
	err := fn(ctx)
	cb.metrics.RecordDuration(fmt.Sprintf("circuit_breaker_%s_duration", cb.name), time.Since(start))

	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// State exposes the breaker's current state, for the admin API.
func (cb *CircuitBreaker) State() State { return cb.getState() }

// Name returns the breaker's identifying name.
func (cb *CircuitBreaker) Name() string { return cb.name }
