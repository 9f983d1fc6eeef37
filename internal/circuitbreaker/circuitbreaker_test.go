package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllows(t *testing.T) {
	t.Parallel()

	b := NewBreaker(DefaultConfig())
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensOnThreshold(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Threshold:    3,
		ResetTimeout: 30 * time.Second,
	}
	b := NewBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed below threshold", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at threshold", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}
}

func TestBreaker_SuccessResetsRun(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Threshold:    3,
		ResetTimeout: 30 * time.Second,
	}
	b := NewBreaker(cfg)

	// Failures interleaved with successes never reach the threshold.
	for range 5 {
		b.RecordFailure()
		b.RecordFailure()
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (run keeps resetting)", b.State())
	}
	if b.Failures() != 0 {
		t.Fatalf("failures = %d, want 0 after success", b.Failures())
	}
}

func TestBreaker_HalfOpenProbeSuccess(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Threshold:    3,
		ResetTimeout: 1 * time.Millisecond, // tiny timeout for test
	}
	b := NewBreaker(cfg)

	for range 3 {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	// Wait for the reset timeout.
	time.Sleep(5 * time.Millisecond)

	// Allow should transition to half-open and permit one probe.
	if !b.Allow() {
		t.Fatal("should allow probe after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}

	// Second request should be rejected (probe in flight).
	if b.Allow() {
		t.Fatal("should reject during probe")
	}

	// Probe succeeds -> close.
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after probe success", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow again")
	}
}

func TestBreaker_HalfOpenProbeFailure(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Threshold:    3,
		ResetTimeout: 1 * time.Millisecond,
	}
	b := NewBreaker(cfg)

	for range 3 {
		b.RecordFailure()
	}

	time.Sleep(5 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("should allow probe")
	}

	// Probe fails -> reopen; the clock starts over.
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker should reject")
	}

	// A second timeout grants another probe.
	time.Sleep(5 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("should allow second probe after reopen")
	}
}

func TestBreaker_ConfigureShrinkThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Threshold: 10, ResetTimeout: 30 * time.Second})

	for range 4 {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed below threshold 10", b.State())
	}

	// Lower the threshold at runtime; the next failure trips.
	b.Configure(Config{Threshold: 5, ResetTimeout: 30 * time.Second})
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after threshold shrink", b.State())
	}
}

func TestBreaker_ZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{})

	// Default threshold is 5.
	for range 4 {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed at 4 failures", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at 5 failures", b.State())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{
		Threshold:    1000,
		ResetTimeout: 1 * time.Millisecond,
	})

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 100 {
				b.Allow()
				b.RecordSuccess()
				b.RecordFailure()
				_ = b.State()
				_ = b.Failures()
				_ = b.LastUsed()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
	// No race detected = pass (test runs with -race).
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
