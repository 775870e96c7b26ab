package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action enumerates the auditable protection actions
type Action string

const (
	ActionRecreate         Action = "recreate"
	ActionSyncStop         Action = "sync_stop"
	ActionPartialExit      Action = "partial_exit"
	ActionFallback         Action = "fallback"
	ActionConflictResolved Action = "conflict_resolved"
	ActionEmergencyStop    Action = "emergency_stop"
	ActionRecoveryEnter    Action = "recovery_enter"
	ActionRecoveryExit     Action = "recovery_exit"
)

// Result enumerates protection action outcomes
type Result string

const (
	ResultSuccess    Result = "success"
	ResultFailure    Result = "failure"
	ResultRolledBack Result = "rolled_back"
)

// ProtectionEvent is one entry in the append-only protection audit log.
// Sequence numbers are monotonic and gap-free per position.
type ProtectionEvent struct {
	ID         string    `json:"id"`
	Sequence   int64     `json:"sequence_number"`
	Timestamp  time.Time `json:"timestamp"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Reason     string    `json:"reason"`
	Result     Result    `json:"result"`
	OrderIDs   []int64   `json:"order_ids_involved,omitempty"`
}

// Store persists protection events
type Store interface {
	SaveEvent(ctx context.Context, event *ProtectionEvent) error
}

// recentCapacity bounds the in-memory ring served to the API
const recentCapacity = 256

// Log is the append-only protection event log. Every recorded event gets the
// next sequence number for its position, is pushed onto the bus, and is
// persisted when a store is configured.
type Log struct {
	mu        sync.Mutex
	sequences map[string]int64 // positionID -> last issued sequence
	recent    []ProtectionEvent
	store     Store
	bus       *Bus
	logger    zerolog.Logger
}

// NewLog creates a protection event log. store may be nil.
func NewLog(store Store, bus *Bus, logger zerolog.Logger) *Log {
	return &Log{
		sequences: make(map[string]int64),
		store:     store,
		bus:       bus,
		logger:    logger.With().Str("component", "protection-log").Logger(),
	}
}

// Record appends an event, stamping ID, timestamp and the position's next
// sequence number
func (l *Log) Record(ctx context.Context, event ProtectionEvent) ProtectionEvent {
	l.mu.Lock()
	l.sequences[event.PositionID]++
	event.Sequence = l.sequences[event.PositionID]
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()

	l.recent = append(l.recent, event)
	if len(l.recent) > recentCapacity {
		l.recent = l.recent[len(l.recent)-recentCapacity:]
	}
	l.mu.Unlock()

	l.logger.Info().
		Str("symbol", event.Symbol).
		Str("action", string(event.Action)).
		Str("result", string(event.Result)).
		Str("reason", event.Reason).
		Int64("sequence", event.Sequence).
		Msg("Protection event")

	if l.store != nil {
		if err := l.store.SaveEvent(ctx, &event); err != nil {
			l.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to persist protection event")
		}
	}

	if l.bus != nil {
		l.bus.Publish(EventProtectionEvent, map[string]interface{}{
			"event": event,
		})
	}

	return event
}

// Recent returns up to n most recent events, newest last
func (l *Log) Recent(n int) []ProtectionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]ProtectionEvent, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// LastSequence returns the last issued sequence number for a position
func (l *Log) LastSequence(positionID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequences[positionID]
}
