// Package errorhandler owns the failure policy around order mutations:
// per-category circuit breakers, the deferred-operation queue, and the
// process-wide recovery mode entered when the broker state feed itself is
// failing.
package errorhandler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/circuit"
	"position-guardian/internal/events"
	"position-guardian/internal/sequencer"
)

// Handler coordinates breakers, the operation queue and recovery mode
type Handler struct {
	breakers *circuit.Set
	queue    *OperationQueue
	bus      *events.Bus
	log      *events.Log
	cfg      config.RecoveryConfig
	logger   zerolog.Logger

	mu            sync.Mutex
	recovering    bool
	failedCycles  int
	enteredAt     time.Time
	pendingReplay bool
}

// New creates an error handler
func New(breakers *circuit.Set, queue *OperationQueue, bus *events.Bus, log *events.Log, cfg config.RecoveryConfig, logger zerolog.Logger) *Handler {
	h := &Handler{
		breakers: breakers,
		queue:    queue,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		logger:   logger.With().Str("component", "error-handler").Logger(),
	}
	breakers.OnTrip(func(category circuit.Category, reason string) {
		h.logger.Error().Str("category", string(category)).Str("reason", reason).Msg("Circuit breaker tripped")
		if h.bus != nil {
			h.bus.Publish(events.EventBreakerTripped, map[string]interface{}{
				"category": string(category),
				"reason":   reason,
			})
		}
	})
	return h
}

// Queue exposes the deferred-operation queue
func (h *Handler) Queue() *OperationQueue {
	return h.queue
}

// Allow reports whether an operation in the category may execute right now.
// It consults the category's breaker and, in recovery mode, blocks everything
// except risk-reducing actions.
func (h *Handler) Allow(category circuit.Category) (bool, string) {
	if h.InRecovery() {
		switch category {
		case circuit.CategoryRecreate, circuit.CategoryPartialExit:
			return false, "recovery mode permits risk-reducing actions only"
		}
	}
	return h.breakers.For(category).Allow()
}

// Handle records an operation outcome against the category's breaker and
// raises alerts for state errors. Returns true when the caller should defer
// the intent to the queue instead of retrying.
func (h *Handler) Handle(ctx context.Context, category circuit.Category, symbol string, err error) (shouldDefer bool) {
	breaker := h.breakers.For(category)
	if err == nil {
		breaker.RecordSuccess()
		return false
	}

	breaker.RecordFailure(err.Error())

	switch {
	case sequencer.IsStateError(err):
		// Assumption about broker state proved wrong. Never auto-retried;
		// the monitor re-verifies and the operator gets an alert.
		h.logger.Error().Str("symbol", symbol).Str("category", string(category)).Err(err).Msg("State error")
		h.alert(symbol, "state_error", err.Error())
	case sequencer.IsConflict(err):
		h.logger.Warn().Str("symbol", symbol).Str("category", string(category)).Err(err).Msg("Conflict persisted past retry")
	default:
		h.logger.Warn().Str("symbol", symbol).Str("category", string(category)).Err(err).Msg("Operation failed after retries")
	}

	allowed, _ := breaker.Allow()
	return !allowed || h.InRecovery()
}

// RecordFetchCycle feeds the recovery-mode state machine. A run of failed
// broker state fetches enters recovery; the first clean cycle exits it and
// triggers a queue replay through the provided executor.
func (h *Handler) RecordFetchCycle(ctx context.Context, ok bool, execute func(context.Context, QueuedOperation) error) {
	h.mu.Lock()
	if ok {
		h.failedCycles = 0
		wasRecovering := h.recovering
		pending := h.pendingReplay
		h.recovering = false
		h.pendingReplay = false
		h.mu.Unlock()
		if wasRecovering {
			h.exitRecovery(ctx, execute)
		} else if pending {
			h.replayQueue(ctx, execute)
		}
		return
	}

	h.failedCycles++
	shouldEnter := !h.recovering && h.failedCycles >= h.cfg.FetchFailureCycles
	if shouldEnter {
		h.recovering = true
		h.enteredAt = time.Now()
	}
	cycles := h.failedCycles
	h.mu.Unlock()

	if shouldEnter {
		h.logger.Error().Int("failed_cycles", cycles).Msg("Entering recovery mode, broker state feed unreliable")
		h.record(ctx, events.ActionRecoveryEnter, "broker state fetch failed repeatedly")
		h.publishRecovery(true)
	}
}

func (h *Handler) exitRecovery(ctx context.Context, execute func(context.Context, QueuedOperation) error) {
	h.logger.Info().Msg("Exiting recovery mode, broker state feed restored")
	h.record(ctx, events.ActionRecoveryExit, "clean fetch cycle completed")
	h.publishRecovery(false)
	h.replayQueue(ctx, execute)
}

func (h *Handler) replayQueue(ctx context.Context, execute func(context.Context, QueuedOperation) error) {
	if h.queue == nil || execute == nil {
		return
	}
	if err := h.queue.Replay(ctx, execute); err != nil {
		h.logger.Error().Err(err).Msg("Queue replay stopped on error")
	}
}

// ResetRecovery is the operator override: it force-exits recovery mode and
// closes every circuit breaker. Queued intents replay on the next clean
// fetch cycle rather than immediately, so the feed proves itself first.
func (h *Handler) ResetRecovery(ctx context.Context) {
	h.mu.Lock()
	wasRecovering := h.recovering
	h.recovering = false
	h.failedCycles = 0
	h.pendingReplay = true
	h.mu.Unlock()

	h.breakers.Reset()
	h.logger.Warn().Bool("was_recovering", wasRecovering).Msg("Recovery state reset by operator")
	if wasRecovering {
		h.record(ctx, events.ActionRecoveryExit, "operator reset")
		h.publishRecovery(false)
	}
}

// InRecovery reports whether recovery mode is active
func (h *Handler) InRecovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recovering
}

// Status summarizes handler state for the monitoring API
func (h *Handler) Status(ctx context.Context) map[string]interface{} {
	h.mu.Lock()
	recovering := h.recovering
	failed := h.failedCycles
	entered := h.enteredAt
	h.mu.Unlock()

	status := map[string]interface{}{
		"recovery_mode":       recovering,
		"failed_fetch_cycles": failed,
		"queued_operations":   h.queue.Len(ctx),
		"breakers":            h.breakers.Stats(),
	}
	if recovering {
		status["recovery_entered_at"] = entered
	}
	return status
}

func (h *Handler) publishRecovery(active bool) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.EventRecoveryMode, map[string]interface{}{
		"active": active,
	})
}

func (h *Handler) alert(symbol, kind, detail string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.EventAlert, map[string]interface{}{
		"symbol": symbol,
		"kind":   kind,
		"detail": detail,
	})
}

func (h *Handler) record(ctx context.Context, action events.Action, reason string) {
	if h.log == nil {
		return
	}
	h.log.Record(ctx, events.ProtectionEvent{
		PositionID: "system",
		Symbol:     "*",
		Action:     action,
		Reason:     reason,
		Result:     events.ResultSuccess,
	})
}
