package errorhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// QueuedOperation is a deferred order intent. Intents carry an idempotency
// key so a replay after restart cannot double-execute, and newer intents for
// the same key supersede older ones.
type QueuedOperation struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"` // symbol:kind
	Symbol         string    `json:"symbol"`
	Kind           string    `json:"kind"` // recreate, sync_stop, partial_exit
	StopPrice      float64   `json:"stop_price,omitempty"`
	TargetPrice    float64   `json:"target_price,omitempty"`
	Quantity       float64   `json:"quantity,omitempty"`
	TargetR        float64   `json:"target_r,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

const (
	queueHashKey = "guardian:opqueue:ops"   // idempotency key -> serialized op
	queueListKey = "guardian:opqueue:order" // idempotency keys in arrival order
)

// OperationQueue holds order intents that could not execute, for in-order
// replay once conditions recover. Backed by Redis when a client is provided
// so queued intents survive a restart; in-memory otherwise.
type OperationQueue struct {
	rdb    *redis.Client
	maxAge time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	ops   map[string]QueuedOperation // in-memory fallback
	order []string
}

// NewOperationQueue creates an operation queue. rdb may be nil.
func NewOperationQueue(rdb *redis.Client, maxAge time.Duration, logger zerolog.Logger) *OperationQueue {
	return &OperationQueue{
		rdb:    rdb,
		maxAge: maxAge,
		logger: logger.With().Str("component", "op-queue").Logger(),
		ops:    make(map[string]QueuedOperation),
	}
}

// Enqueue adds an intent. An intent with the same idempotency key already in
// the queue is superseded in place; its queue position is preserved.
func (q *OperationQueue) Enqueue(ctx context.Context, op QueuedOperation) error {
	op.ID = uuid.NewString()
	op.IdempotencyKey = op.Symbol + ":" + op.Kind
	op.EnqueuedAt = time.Now()

	if q.rdb == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, exists := q.ops[op.IdempotencyKey]; !exists {
			q.order = append(q.order, op.IdempotencyKey)
		}
		q.ops[op.IdempotencyKey] = op
		q.logger.Info().Str("symbol", op.Symbol).Str("kind", op.Kind).Msg("Operation queued")
		return nil
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal queued operation: %w", err)
	}

	existed, err := q.rdb.HExists(ctx, queueHashKey, op.IdempotencyKey).Result()
	if err != nil {
		return fmt.Errorf("failed to check queue membership: %w", err)
	}
	if err := q.rdb.HSet(ctx, queueHashKey, op.IdempotencyKey, data).Err(); err != nil {
		return fmt.Errorf("failed to store queued operation: %w", err)
	}
	if !existed {
		if err := q.rdb.RPush(ctx, queueListKey, op.IdempotencyKey).Err(); err != nil {
			return fmt.Errorf("failed to order queued operation: %w", err)
		}
	}
	q.logger.Info().Str("symbol", op.Symbol).Str("kind", op.Kind).Bool("superseded", existed).Msg("Operation queued")
	return nil
}

// Len reports how many intents are queued
func (q *OperationQueue) Len(ctx context.Context) int {
	if q.rdb == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.order)
	}
	n, err := q.rdb.LLen(ctx, queueListKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Replay drains the queue in arrival order, invoking execute for each intent
// still young enough to act on. Intents older than the max age are dropped;
// market conditions have moved past them. An execute error stops the replay
// and leaves the failed intent and everything behind it queued.
func (q *OperationQueue) Replay(ctx context.Context, execute func(context.Context, QueuedOperation) error) error {
	for {
		op, ok, err := q.pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if q.maxAge > 0 && time.Since(op.EnqueuedAt) > q.maxAge {
			q.logger.Warn().Str("symbol", op.Symbol).Str("kind", op.Kind).
				Time("enqueued_at", op.EnqueuedAt).Msg("Dropping stale queued operation")
			continue
		}
		if err := execute(ctx, op); err != nil {
			// Put it back at the head so order is preserved for the next replay.
			if requeueErr := q.pushFront(ctx, op); requeueErr != nil {
				q.logger.Error().Err(requeueErr).Str("symbol", op.Symbol).Msg("Failed to requeue operation after replay error")
			}
			return err
		}
		q.logger.Info().Str("symbol", op.Symbol).Str("kind", op.Kind).Str("id", op.ID).Msg("Queued operation replayed")
	}
}

func (q *OperationQueue) pop(ctx context.Context) (QueuedOperation, bool, error) {
	if q.rdb == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.order) == 0 {
			return QueuedOperation{}, false, nil
		}
		key := q.order[0]
		q.order = q.order[1:]
		op := q.ops[key]
		delete(q.ops, key)
		return op, true, nil
	}

	for {
		key, err := q.rdb.LPop(ctx, queueListKey).Result()
		if err == redis.Nil {
			return QueuedOperation{}, false, nil
		}
		if err != nil {
			return QueuedOperation{}, false, fmt.Errorf("failed to pop queue: %w", err)
		}
		data, err := q.rdb.HGet(ctx, queueHashKey, key).Result()
		if err == redis.Nil {
			// A list key without a hash entry is an orphan; skip it and
			// keep draining.
			q.logger.Warn().Str("key", key).Msg("Dropping orphaned queue key")
			continue
		}
		if err != nil {
			return QueuedOperation{}, false, fmt.Errorf("failed to load queued operation: %w", err)
		}
		if delErr := q.rdb.HDel(ctx, queueHashKey, key).Err(); delErr != nil {
			q.logger.Warn().Err(delErr).Str("key", key).Msg("Failed to delete replayed operation")
		}

		var op QueuedOperation
		if err := json.Unmarshal([]byte(data), &op); err != nil {
			return QueuedOperation{}, false, fmt.Errorf("failed to decode queued operation: %w", err)
		}
		return op, true, nil
	}
}

func (q *OperationQueue) pushFront(ctx context.Context, op QueuedOperation) error {
	if q.rdb == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.ops[op.IdempotencyKey] = op
		q.order = append([]string{op.IdempotencyKey}, q.order...)
		return nil
	}
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := q.rdb.HSet(ctx, queueHashKey, op.IdempotencyKey, data).Err(); err != nil {
		return err
	}
	return q.rdb.LPush(ctx, queueListKey, op.IdempotencyKey).Err()
}
