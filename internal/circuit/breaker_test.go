package circuit

import (
	"testing"
	"time"
)

func testBreakerConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 3,
		RollingWindow:    time.Minute,
		Cooldown:         30 * time.Millisecond,
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(CategoryRecreate, testBreakerConfig())

	b.RecordFailure("timeout")
	b.RecordFailure("timeout")
	if b.State() != StateClosed {
		t.Fatalf("state = %s after 2 failures, want closed", b.State())
	}

	b.RecordFailure("timeout")
	if b.State() != StateOpen {
		t.Fatalf("state = %s after threshold, want open", b.State())
	}
	if ok, reason := b.Allow(); ok || reason == "" {
		t.Errorf("Allow = %v %q while open, want false with a reason", ok, reason)
	}
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := NewBreaker(CategoryRecreate, testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure("timeout")
	}
	time.Sleep(40 * time.Millisecond)

	if ok, _ := b.Allow(); !ok {
		t.Fatal("probe not allowed after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	t.Run("probe failure reopens immediately", func(t *testing.T) {
		b.RecordFailure("still broken")
		if b.State() != StateOpen {
			t.Fatalf("state = %s after failed probe, want open", b.State())
		}
	})
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	b := NewBreaker(CategoryPartialExit, testBreakerConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure("timeout")
	}
	time.Sleep(40 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("state = %s after successful probe, want closed", b.State())
	}
	// Failure history is cleared; one new failure must not trip it.
	b.RecordFailure("hiccup")
	if b.State() != StateClosed {
		t.Error("single failure after recovery reopened the breaker")
	}
}

func TestBreakerRollingWindow(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.RollingWindow = 20 * time.Millisecond
	b := NewBreaker(CategoryStopSync, cfg)

	b.RecordFailure("one")
	b.RecordFailure("two")
	time.Sleep(30 * time.Millisecond)
	// The earlier failures aged out; this is effectively the first.
	b.RecordFailure("three")

	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed when failures age out", b.State())
	}
}

func TestBreakerDisabled(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Enabled = false
	b := NewBreaker(CategoryRecreate, cfg)

	for i := 0; i < 10; i++ {
		b.RecordFailure("ignored")
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("disabled breaker blocked an operation")
	}
}

func TestSetSharesTripCallback(t *testing.T) {
	s := NewSet(testBreakerConfig())
	var tripped []Category
	s.OnTrip(func(category Category, reason string) {
		tripped = append(tripped, category)
	})

	b := s.For(CategoryRecreate)
	for i := 0; i < 3; i++ {
		b.RecordFailure("timeout")
	}

	if len(tripped) != 1 || tripped[0] != CategoryRecreate {
		t.Errorf("tripped = %v, want one recreate trip", tripped)
	}
	if s.For(CategoryPartialExit).State() != StateClosed {
		t.Error("trip in one category leaked into another")
	}
	if len(s.Stats()) != 2 {
		t.Errorf("Stats len = %d, want 2", len(s.Stats()))
	}
}
