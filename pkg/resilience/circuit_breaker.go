package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the current state of a source's circuit breaker.
type BreakerState int

const (
	// StateClosed - requests flow normally.
	StateClosed BreakerState = iota
	// StateOpen - requests short-circuit with a CIRCUIT_OPEN error.
	StateOpen
	// StateHalfOpen - exactly one probe request is permitted.
	StateHalfOpen
)

// String returns the canonical state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// halfOpenRetryInterval is how long other workers wait while a probe is in
// flight before asking the breaker again.
const halfOpenRetryInterval = time.Second

// BreakerConfig holds configuration for per-source circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int
	// Cooldown is how long an open breaker waits before permitting a
	// half-open probe.
	Cooldown time.Duration
	// OnStateChange, when set, is invoked after every transition.
	OnStateChange func(source string, from, to BreakerState)
}

// DefaultBreakerConfig returns the standard breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// BreakerStats is a point-in-time snapshot of one breaker.
type BreakerStats struct {
	Source              string       `json:"source"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	LastFailure         time.Time    `json:"last_failure,omitempty"`
}

// Breaker isolates one source: consecutive failures trip it open, calls
// then short-circuit until a cooldown passes, and a single half-open probe
// decides whether to close again. State lives in memory only; a process
// restart begins CLOSED.
type Breaker struct {
	mu     sync.Mutex
	source string
	config BreakerConfig

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	lastFailure         time.Time
	probeInFlight       bool
}

// NewBreaker creates a circuit breaker for one source.
func NewBreaker(source string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{
		source: source,
		config: config,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed. It returns nil in CLOSED, grants
// the single probe when the cooldown has elapsed, and otherwise returns a
// CIRCUIT_OPEN error whose RetryAfter says when to ask again. A granted
// probe must be resolved by RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		remaining := b.config.Cooldown - time.Since(b.openedAt)
		if remaining > 0 {
			return b.openErrorLocked(remaining)
		}
		b.setStateLocked(StateHalfOpen)
		b.probeInFlight = true
		return nil

	default: // StateHalfOpen
		if b.probeInFlight {
			return b.openErrorLocked(halfOpenRetryInterval)
		}
		b.probeInFlight = true
		return nil
	}
}

// RecordSuccess reports a successful call. A successful half-open probe
// closes the breaker and clears its counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveFailures = 0
		b.setStateLocked(StateClosed)
	case StateClosed:
		b.consecutiveFailures = 0
	case StateOpen:
		// A call admitted before the trip finished late; the breaker
		// stays open until its probe decides.
	}
}

// RecordFailure reports a failed call. Reaching the threshold in CLOSED
// trips the breaker; a failed half-open probe reopens it with a fresh
// cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openedAt = time.Now()
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveFailures++
		b.openedAt = time.Now()
		b.setStateLocked(StateOpen)
	case StateOpen:
		b.consecutiveFailures++
	}
}

// Execute runs fn under the breaker: blocked calls fail fast with a
// CIRCUIT_OPEN error and outcomes are recorded automatically.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns current statistics for monitoring.
func (b *Breaker) Snapshot() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Source:              b.source,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		LastFailure:         b.lastFailure,
	}
}

// Reset forces the breaker back to CLOSED and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	b.setStateLocked(StateClosed)
}

// ForceOpen trips the breaker manually, starting a fresh cooldown.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = time.Now()
	b.setStateLocked(StateOpen)
}

func (b *Breaker) openErrorLocked(retryAfter time.Duration) error {
	return &ClassifiedError{
		Kind:       KindCircuitOpen,
		Source:     b.source,
		Err:        fmt.Errorf("circuit breaker open for %s (retry in %s)", b.source, retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
		At:         time.Now(),
	}
}

// setStateLocked transitions state and fires the change callback. Callers
// must hold b.mu.
func (b *Breaker) setStateLocked(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.source, prev, next)
	}
}

// BreakerRegistry hands out one breaker per source. All workers share the
// registry, so failures observed by any worker count against the same
// breaker.
type BreakerRegistry struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry applying config to every source.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a source, creating it on first use.
func (r *BreakerRegistry) For(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[source]; ok {
		return b
	}
	b = NewBreaker(source, r.config)
	r.breakers[source] = b
	return b
}

// Snapshot returns stats for every breaker the registry has created.
func (r *BreakerRegistry) Snapshot() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerStats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// ResetAll forces every breaker back to CLOSED.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
