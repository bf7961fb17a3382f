package resilience

import (
	"errors"
	"testing"
	"time"
)

// within asserts d lies inside the jitter window around base.
func within(t *testing.T, d, base time.Duration) {
	t.Helper()
	low := time.Duration((1 - JitterFraction) * float64(base))
	high := time.Duration((1 + JitterFraction) * float64(base))
	if d < low || d > high {
		t.Errorf("delay %v outside jitter window [%v, %v]", d, low, high)
	}
}

func TestDelayRateLimitFamily(t *testing.T) {
	within(t, Delay(KindRateLimit, 1, 0), 2*time.Second)
	within(t, Delay(KindRateLimit, 2, 0), 4*time.Second)
	within(t, Delay(KindRateLimit, 3, 0), 8*time.Second)
	// Deep attempts hit the 60s cap before jitter.
	within(t, Delay(KindRateLimit, 10, 0), 60*time.Second)
	within(t, Delay(KindRateLimit, 100, 0), 60*time.Second)
}

func TestDelayNetworkFamily(t *testing.T) {
	within(t, Delay(KindNetwork, 1, 0), 1*time.Second)
	within(t, Delay(KindNetwork, 3, 0), 3*time.Second)
	within(t, Delay(KindNetwork, 50, 0), 30*time.Second)
}

func TestDelayAPIFamily(t *testing.T) {
	within(t, Delay(KindAPI, 1, 0), 4*time.Second)
	within(t, Delay(KindAPI, 2, 0), 8*time.Second)
	within(t, Delay(KindAPI, 6, 0), 120*time.Second)
}

func TestDelayHonorsRetryAfter(t *testing.T) {
	// Server hint longer than the family delay wins outright.
	if d := Delay(KindRateLimit, 1, 10*time.Second); d < 10*time.Second {
		t.Errorf("delay %v shorter than Retry-After floor", d)
	}
	// A short hint never raises the computed delay.
	within(t, Delay(KindRateLimit, 3, time.Second), 8*time.Second)
}

func TestDelayNonRetryable(t *testing.T) {
	for _, kind := range []ErrorKind{KindParse, KindValidation, KindPermanent, KindCache, KindInternal} {
		if d := Delay(kind, 1, 0); d != 0 {
			t.Errorf("%v delay = %v, want 0", kind, d)
		}
	}
}

func TestDelayCircuitOpenUsesRemainingCooldown(t *testing.T) {
	if d := Delay(KindCircuitOpen, 1, 42*time.Second); d != 42*time.Second {
		t.Errorf("circuit-open delay = %v, want exactly the remaining cooldown", d)
	}
}

func TestDelayForThreadsHint(t *testing.T) {
	if DelayFor(nil, 1) != 0 {
		t.Error("nil error should produce zero delay")
	}

	ce := NewError(KindRateLimit, "s2", errors.New("429"))
	ce.RetryAfter = 15 * time.Second
	if d := DelayFor(ce, 1); d < 15*time.Second {
		t.Errorf("DelayFor ignored Retry-After hint: %v", d)
	}
}

func TestDelayAttemptFloor(t *testing.T) {
	// Attempt below 1 behaves like the first attempt.
	within(t, Delay(KindNetwork, 0, 0), 1*time.Second)
}
