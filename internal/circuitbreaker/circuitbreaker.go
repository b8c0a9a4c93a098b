// Package circuitbreaker stops a degraded provider from eating the
// dispatch pool. Once sends to one provider keep failing, further sends
// fail fast until a probe shows the provider recovered; campaigns on
// the other providers keep draining at full speed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of the breaker: closed passes everything, open rejects
// everything until the recovery timeout, half-open admits a bounded
// number of probes whose outcome decides the next state.
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

// ErrCircuitOpen is reported to callers rejected by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	// Name identifies the guarded provider in logs and stats.
	Name string

	// MaxFailures is how many consecutive failures open the circuit.
	MaxFailures int

	// RecoveryTimeout is how long an open circuit waits before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests bounds concurrent probes while half-open.
	HalfOpenMaxRequests int
}

// DefaultConfig returns defaults suitable for provider send APIs.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// CircuitBreaker tracks consecutive failures for one provider.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state      State
	streak     int // consecutive failures while closed
	probes     int // in-flight probes while half-open
	failedAt   time.Time
	movedAt    time.Time
	totals     counters
}

// New creates a breaker in the closed state.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		config:  cfg,
		logger:  logger,
		state:   StateClosed,
		movedAt: time.Now(),
	}
}

// Allow reports whether a send may proceed. An open circuit whose
// recovery timeout has elapsed flips to half-open and lets this call
// through as the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.failedAt) < cb.config.RecoveryTimeout {
			cb.totals.rejected++
			return false
		}
		cb.moveTo(StateHalfOpen)
		cb.probes = 1
		cb.logger.Info("circuit breaker allowing probe request",
			zap.String("name", cb.config.Name),
		)
		return true

	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			cb.totals.rejected++
			return false
		}
		cb.probes++
		return true
	}
	return false
}

// RecordSuccess clears the failure streak; a successful probe closes
// the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.streak = 0

	if cb.state == StateHalfOpen {
		cb.moveTo(StateClosed)
		cb.logger.Info("circuit breaker closed - provider recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure extends the failure streak. Reaching the threshold
// opens the circuit; a failed probe re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.failures++
	cb.streak++
	cb.failedAt = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.streak >= cb.config.MaxFailures {
			cb.moveTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("consecutive_failures", cb.streak),
			)
		}
	case StateHalfOpen:
		cb.moveTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset force-closes the circuit. Operator escape hatch for when the
// provider is known healthy again.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.moveTo(StateClosed)
	cb.streak = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// Stats is a point-in-time snapshot for dashboards.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker's counters and state.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.movedAt.Format(time.RFC3339),
	}
	if !cb.failedAt.IsZero() {
		s.LastFailure = cb.failedAt.Format(time.RFC3339)
	}
	return s
}

// moveTo changes state; callers hold the lock.
func (cb *CircuitBreaker) moveTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.movedAt = time.Now()
	cb.probes = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}
