// Package ratelimit gates outbound source traffic. Every source gets one
// token bucket shared by all workers; acquisition blocks until a token and
// any rate-limit penalty window are both available.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy describes one source's request budget.
type Policy struct {
	// PerSecond is the steady-state refill rate.
	PerSecond float64 `json:"per_second"`
	// Burst is the bucket capacity and the initial fill.
	Burst int `json:"burst"`
	// MinSpacing, when positive, forces a minimum gap between issued
	// requests regardless of accumulated tokens.
	MinSpacing time.Duration `json:"min_spacing,omitempty"`
}

// DefaultPolicies returns the built-in budgets for the supported sources.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"openalex":         {PerSecond: 10, Burst: 15},
		"semantic_scholar": {PerSecond: 1.0, Burst: 3},
		"arxiv":            {PerSecond: 0.33, Burst: 1},
		"crossref":         {PerSecond: 50, Burst: 100},
	}
}

// FallbackPolicy is the conservative budget applied to sources without an
// explicit policy.
var FallbackPolicy = Policy{PerSecond: 1, Burst: 1}

func (p Policy) normalized() Policy {
	if p.PerSecond <= 0 {
		p.PerSecond = FallbackPolicy.PerSecond
	}
	if p.Burst < 1 {
		p.Burst = 1
	}
	if p.MinSpacing < 0 {
		p.MinSpacing = 0
	}
	return p
}

// Limiter is the token bucket for one source. All workers fetching from
// that source share it.
type Limiter struct {
	source string
	bucket *rate.Limiter

	mu        sync.Mutex
	policy    Policy
	notBefore time.Time
	lastIssue time.Time
}

// NewLimiter creates a limiter with the bucket initially full.
func NewLimiter(source string, policy Policy) *Limiter {
	p := policy.normalized()
	return &Limiter{
		source: source,
		policy: p,
		bucket: rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst),
	}
}

// Acquire blocks until one token is available, the spacing gap has passed,
// and any penalty window from ResetAfter has expired. The token is consumed
// and never returned; there is no release operation.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}

	// A 429 penalty may land while we wait on the bucket, so the gate is
	// re-checked until it holds at issue time.
	for {
		l.mu.Lock()
		now := time.Now()
		at := now
		if l.policy.MinSpacing > 0 && !l.lastIssue.IsZero() {
			if next := l.lastIssue.Add(l.policy.MinSpacing); next.After(at) {
				at = next
			}
		}
		if l.notBefore.After(at) {
			at = l.notBefore
		}
		if !at.After(now) {
			l.lastIssue = now
			l.mu.Unlock()
			return nil
		}
		wait := at.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ResetAfter empties the bucket and forbids acquisition before the given
// penalty has elapsed. Workers call it with the server's Retry-After hint
// on HTTP 429 so traffic restarts cold instead of bursting again.
func (l *Limiter) ResetAfter(penalty time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if penalty < 0 {
		penalty = 0
	}
	if nb := now.Add(penalty); nb.After(l.notBefore) {
		l.notBefore = nb
	}

	// Book the current tokens plus everything that would accrue during the
	// penalty, so the window reopens with an empty bucket.
	drain := int(l.bucket.TokensAt(now)) + int(math.Ceil(l.policy.PerSecond*penalty.Seconds()))
	if burst := l.bucket.Burst(); drain > burst {
		drain = burst
	}
	if drain > 0 {
		l.bucket.ReserveN(now, drain)
	}
}

// SetPolicy swaps the limiter's budget at runtime. In-flight waiters pick
// up the new rate; the penalty gate is untouched.
func (l *Limiter) SetPolicy(policy Policy) {
	p := policy.normalized()
	l.mu.Lock()
	l.policy = p
	l.mu.Unlock()
	l.bucket.SetLimit(rate.Limit(p.PerSecond))
	l.bucket.SetBurst(p.Burst)
}

// Policy returns the limiter's current budget.
func (l *Limiter) Policy() Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.policy
}

// Source returns the source name this limiter gates.
func (l *Limiter) Source() string {
	return l.source
}

// Registry hands out one shared limiter per source.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	limiters map[string]*Limiter
}

// NewRegistry creates a registry seeded with the built-in source policies.
func NewRegistry() *Registry {
	return &Registry{
		policies: DefaultPolicies(),
		limiters: make(map[string]*Limiter),
	}
}

// For returns the limiter for a source, creating it on first use. Sources
// without a configured policy get FallbackPolicy.
func (r *Registry) For(source string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[source]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[source]; ok {
		return l
	}
	policy, ok := r.policies[source]
	if !ok {
		policy = FallbackPolicy
	}
	l = NewLimiter(source, policy)
	r.limiters[source] = l
	return l
}

// SetPolicy installs or replaces a source's budget, updating the live
// limiter if one exists. Config reloads call this.
func (r *Registry) SetPolicy(source string, policy Policy) {
	r.mu.Lock()
	r.policies[source] = policy.normalized()
	l, ok := r.limiters[source]
	r.mu.Unlock()
	if ok {
		l.SetPolicy(policy)
	}
}

// Policies returns a copy of the configured budgets.
func (r *Registry) Policies() map[string]Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Policy, len(r.policies))
	for name, p := range r.policies {
		out[name] = p
	}
	return out
}
