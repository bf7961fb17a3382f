package resilience

import (
	"math/rand"
	"time"
)

// DefaultMaxRetries caps reattempts for a single page fetch. The project
// uses one default everywhere; adapter options may override it per task.
const DefaultMaxRetries = 5

// Backoff envelope per kind. Rate-limit and API failures grow
// exponentially, network failures linearly.
const (
	RateLimitBase = 2 * time.Second
	RateLimitCap  = 60 * time.Second
	NetworkStep   = 1 * time.Second
	NetworkCap    = 30 * time.Second
	APIBase       = 4 * time.Second
	APICap        = 120 * time.Second

	// JitterFraction spreads reattempts across a ±25% window so workers
	// hitting the same source do not resynchronize.
	JitterFraction = 0.25
)

// Delay computes the sleep before reattempting a failed call. attempt is
// 1-based (the attempt that just failed). retryAfter is the server's
// Retry-After hint and acts as a floor: the returned delay is never shorter
// than what the server asked for. Non-retryable kinds return 0.
func Delay(kind ErrorKind, attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base time.Duration
	switch kind {
	case KindRateLimit:
		base = exponential(RateLimitBase, RateLimitCap, attempt)
	case KindNetwork:
		base = capped(time.Duration(attempt)*NetworkStep, NetworkCap)
	case KindAPI:
		base = exponential(APIBase, APICap, attempt)
	case KindCircuitOpen:
		// The breaker's remaining cooldown is authoritative.
		return retryAfter
	default:
		return 0
	}

	d := jitter(base)
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// DelayFor computes the backoff for a classified error, threading through
// its Retry-After hint.
func DelayFor(err *ClassifiedError, attempt int) time.Duration {
	if err == nil {
		return 0
	}
	return Delay(err.Kind, attempt, err.RetryAfter)
}

func exponential(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	return capped(d, limit)
}

func capped(d, limit time.Duration) time.Duration {
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

// jitter perturbs d uniformly within ±JitterFraction.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	span := 2 * JitterFraction * float64(d)
	low := (1 - JitterFraction) * float64(d)
	return time.Duration(low + rand.Float64()*span)
}
