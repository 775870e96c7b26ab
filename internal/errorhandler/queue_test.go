package errorhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestQueueSupersedesSameIntent(t *testing.T) {
	q := NewOperationQueue(nil, 10*time.Minute, zerolog.Nop())
	ctx := context.Background()

	if err := q.Enqueue(ctx, QueuedOperation{Symbol: "BTCUSDT", Kind: "sync_stop", StopPrice: 95}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, QueuedOperation{Symbol: "ETHUSDT", Kind: "sync_stop", StopPrice: 3000}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Newer intent for the same symbol and kind replaces the old one in place.
	if err := q.Enqueue(ctx, QueuedOperation{Symbol: "BTCUSDT", Kind: "sync_stop", StopPrice: 97}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if q.Len(ctx) != 2 {
		t.Fatalf("Len = %d, want 2", q.Len(ctx))
	}

	var ops []QueuedOperation
	if err := q.Replay(ctx, func(ctx context.Context, op QueuedOperation) error {
		ops = append(ops, op)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(ops) != 2 {
		t.Fatalf("replayed %d ops, want 2", len(ops))
	}
	if ops[0].Symbol != "BTCUSDT" || ops[0].StopPrice != 97 {
		t.Errorf("first op = %+v, want superseded BTCUSDT stop at 97 in its original slot", ops[0])
	}
	if ops[1].Symbol != "ETHUSDT" {
		t.Errorf("second op = %+v, want ETHUSDT", ops[1])
	}
}

func TestQueueReplayStopsAndRequeuesOnError(t *testing.T) {
	q := NewOperationQueue(nil, 10*time.Minute, zerolog.Nop())
	ctx := context.Background()

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		if err := q.Enqueue(ctx, QueuedOperation{Symbol: symbol, Kind: "recreate"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	broken := errors.New("broker unavailable")
	var executed []string
	err := q.Replay(ctx, func(ctx context.Context, op QueuedOperation) error {
		if op.Symbol == "ETHUSDT" {
			return broken
		}
		executed = append(executed, op.Symbol)
		return nil
	})
	if !errors.Is(err, broken) {
		t.Fatalf("Replay error = %v, want the executor error", err)
	}
	if len(executed) != 1 || executed[0] != "BTCUSDT" {
		t.Fatalf("executed = %v, want only BTCUSDT before the failure", executed)
	}
	if q.Len(ctx) != 2 {
		t.Fatalf("Len = %d after failed replay, want failed op and successor requeued", q.Len(ctx))
	}

	// A later replay resumes from the failed intent, order intact.
	executed = executed[:0]
	if err := q.Replay(ctx, func(ctx context.Context, op QueuedOperation) error {
		executed = append(executed, op.Symbol)
		return nil
	}); err != nil {
		t.Fatalf("second Replay: %v", err)
	}
	if len(executed) != 2 || executed[0] != "ETHUSDT" || executed[1] != "SOLUSDT" {
		t.Errorf("executed = %v, want ETHUSDT then SOLUSDT", executed)
	}
}

func TestQueueDropsStaleIntents(t *testing.T) {
	q := NewOperationQueue(nil, 10*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	if err := q.Enqueue(ctx, QueuedOperation{Symbol: "BTCUSDT", Kind: "partial_exit"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	called := false
	if err := q.Replay(ctx, func(ctx context.Context, op QueuedOperation) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if called {
		t.Error("stale intent was executed instead of dropped")
	}
	if q.Len(ctx) != 0 {
		t.Errorf("Len = %d, want 0 after dropping stale intent", q.Len(ctx))
	}
}
