// Package circuit implements a circuit breaker over broker operation
// categories. An open breaker short-circuits to "do nothing and preserve
// existing protection" rather than attempting further destructive actions.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Operations short-circuited
	StateHalfOpen BreakerState = "half_open" // Probing recovery with one attempt
)

// Category identifies an operation class with its own breaker
type Category string

const (
	CategoryRecreate    Category = "recreate"
	CategoryPartialExit Category = "partial_exit"
	CategoryStopSync    Category = "stop_sync"
)

// Config holds circuit breaker thresholds
type Config struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	RollingWindow    time.Duration `json:"rolling_window"`    // Failures outside the window are forgotten
	Cooldown         time.Duration `json:"cooldown"`          // Open duration before half-open probe
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		FailureThreshold: 3,
		RollingWindow:    5 * time.Minute,
		Cooldown:         time.Minute,
	}
}

// Breaker is a circuit breaker for one operation category
type Breaker struct {
	category     Category
	config       Config
	state        BreakerState
	failures     []time.Time // Failure timestamps within the rolling window
	lastTripTime time.Time
	tripReason   string
	onTrip       func(category Category, reason string)
	mu           sync.Mutex
}

// NewBreaker creates a breaker for one category
func NewBreaker(category Category, config Config) *Breaker {
	return &Breaker{
		category: category,
		config:   config,
		state:    StateClosed,
	}
}

// OnTrip sets the callback invoked when the breaker opens
func (b *Breaker) OnTrip(fn func(category Category, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// Allow reports whether an operation in this category may proceed. When the
// cooldown has elapsed the breaker half-opens and permits a single probe.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		if elapsed < b.config.Cooldown {
			remaining := b.config.Cooldown - elapsed
			return false, fmt.Sprintf("breaker %s open, cooldown remaining %v (reason: %s)",
				b.category, remaining.Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
	}

	return true, ""
}

// RecordSuccess closes the breaker after a successful operation
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	if b.state != StateClosed {
		b.state = StateClosed
		b.tripReason = ""
	}
}

// RecordFailure counts a failure; a half-open probe failure reopens the
// breaker immediately
func (b *Breaker) RecordFailure(reason string) {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	b.pruneLocked()
	b.failures = append(b.failures, time.Now())

	var tripped bool
	if b.state == StateHalfOpen || len(b.failures) >= b.config.FailureThreshold {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		b.tripReason = reason
		tripped = true
	}
	onTrip := b.onTrip
	b.mu.Unlock()

	if tripped && onTrip != nil {
		onTrip(b.category, reason)
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns current breaker statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"category":        string(b.category),
		"state":           string(b.state),
		"recent_failures": len(b.failures),
		"trip_reason":     b.tripReason,
		"last_trip_time":  b.lastTripTime,
	}
}

// pruneLocked drops failures that aged out of the rolling window
func (b *Breaker) pruneLocked() {
	if b.config.RollingWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-b.config.RollingWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

// Set groups one breaker per category
type Set struct {
	mu       sync.Mutex
	config   Config
	breakers map[Category]*Breaker
	onTrip   func(category Category, reason string)
}

// NewSet creates a breaker set with shared configuration
func NewSet(config Config) *Set {
	return &Set{
		config:   config,
		breakers: make(map[Category]*Breaker),
	}
}

// OnTrip sets the trip callback applied to every breaker in the set
func (s *Set) OnTrip(fn func(category Category, reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrip = fn
	for _, b := range s.breakers {
		b.OnTrip(fn)
	}
}

// For returns the breaker for a category, creating it on first use
func (s *Set) For(category Category) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[category]
	if !ok {
		b = NewBreaker(category, s.config)
		if s.onTrip != nil {
			b.OnTrip(s.onTrip)
		}
		s.breakers[category] = b
	}
	return b
}

// Reset closes every breaker in the set and clears failure history
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.breakers {
		b.RecordSuccess()
	}
}

// Stats returns statistics for every breaker in the set
func (s *Set) Stats() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Stats())
	}
	return out
}
