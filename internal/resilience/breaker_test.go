package resilience

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("p1", 3, time.Minute, 8*time.Minute)
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after threshold = %v, want open", b.State())
	}
	if b.Allow() {
		t.Fatalf("Allow() = true while open, want false")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker("p1", 1, time.Minute, 8*time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("Allow() = true right after opening, want false")
	}

	now = now.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatalf("Allow() = false after cooldown, want true (half-open probe)")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
}

func TestBreakerSingleSuccessCloses(t *testing.T) {
	b := NewBreaker("p1", 1, time.Minute, 8*time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatalf("expected half-open probe")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state after half-open success = %v, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureDoublesCooldown(t *testing.T) {
	base := time.Minute
	b := NewBreaker("p1", 1, base, 4*base)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure() // open, cooldown = base
	now = now.Add(base + time.Second)
	if !b.Allow() {
		t.Fatalf("expected half-open probe")
	}
	b.RecordFailure() // reopen, cooldown = 2*base

	now = now.Add(base + time.Second)
	if b.Allow() {
		t.Fatalf("Allow() = true before doubled cooldown elapsed, want false")
	}
	now = now.Add(base + time.Second)
	if !b.Allow() {
		t.Fatalf("Allow() = false after doubled cooldown, want true")
	}
}

func TestBreakerCooldownCapped(t *testing.T) {
	base := time.Minute
	b := NewBreaker("p1", 1, base, 2*base)
	now := time.Now()
	b.now = func() time.Time { return now }

	// Fail through enough half-open probes that doubling would exceed the cap.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		now = now.Add(2*base + time.Second)
		if !b.Allow() {
			t.Fatalf("probe %d: Allow() = false after max cooldown, want true", i)
		}
	}
}

func TestBreakerSuccessInClosedResetsFailureCount(t *testing.T) {
	b := NewBreaker("p1", 2, time.Minute, 8*time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (failure streak was broken)", b.State())
	}
}

func TestBreakerStateHook(t *testing.T) {
	b := NewBreaker("p1", 1, time.Minute, 8*time.Minute)
	var transitions []BreakerState
	b.SetStateHook(func(_ string, s BreakerState) { transitions = append(transitions, s) })

	b.RecordFailure()
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("transitions = %v, want [open]", transitions)
	}
}

func TestExponentialBackoffCapped(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second
	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 backoff = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, cap); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 backoff = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 backoff = %v, want cap %v", got, cap)
	}
}

func TestWithJitterBounded(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := WithJitter(d)
		if got < d || got > d+d/2 {
			t.Fatalf("WithJitter(%v) = %v, want within [d, 1.5d]", d, got)
		}
	}
}
