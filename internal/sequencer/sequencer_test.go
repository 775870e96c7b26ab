package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/broker"
	"position-guardian/internal/events"
	"position-guardian/internal/position"
)

func testConfig() config.SequencerConfig {
	return config.SequencerConfig{
		MaxAttempts:             3,
		BaseDelayMs:             1,
		MaxDelayMs:              1,
		CancelConfirmTimeoutSec: 1,
		CancelPollIntervalMs:    1,
		LockTimeoutSec:          2,
		SnapshotMaxAgeMs:        5000,
	}
}

func newTestSequencer(t *testing.T) (*Sequencer, *broker.MockClient, *position.Tracker, *events.Log) {
	t.Helper()
	client := broker.NewMockClient()
	tracker := position.NewTracker(15*time.Second, zerolog.Nop())
	log := events.NewLog(nil, nil, zerolog.Nop())
	seq := New(client, tracker, log, ImmediatePolicy(3), testConfig(), 30*time.Second, zerolog.Nop())
	return seq, client, tracker, log
}

func openLong(t *testing.T, tracker *position.Tracker, client *broker.MockClient) *position.Position {
	t.Helper()
	pos, err := tracker.Open(position.OpenEvent{
		Symbol:           "BTCUSDT",
		Side:             position.SideLong,
		Quantity:         100,
		EntryPrice:       100,
		InitialStopPrice: 95.50,
	}, position.NewAllocation(2.0, 50, 3.0, 25, 4.0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	client.SetPosition("BTCUSDT", 100, 100)
	client.SetPrice("BTCUSDT", 100)
	return pos
}

func workingStop(symbol string, price, qty float64) broker.Order {
	return broker.Order{
		Symbol:     symbol,
		Side:       broker.SideSell,
		Type:       broker.OrderTypeStopMarket,
		Status:     broker.OrderStatusNew,
		StopPrice:  price,
		OrigQty:    qty,
		ReduceOnly: true,
	}
}

func workingTarget(symbol string, price, qty float64) broker.Order {
	return broker.Order{
		Symbol:     symbol,
		Side:       broker.SideSell,
		Type:       broker.OrderTypeTakeProfitMarket,
		Status:     broker.OrderStatusNew,
		StopPrice:  price,
		OrigQty:    qty,
		ReduceOnly: true,
	}
}

func conflictErr() error {
	return &broker.APIError{HTTPStatus: 400, Code: broker.CodeWashTrade, Message: "Rejected: wash trade"}
}

func hasEvent(log *events.Log, action events.Action, result events.Result) bool {
	for _, e := range log.Recent(100) {
		if e.Action == action && e.Result == result {
			return true
		}
	}
	return false
}

func TestEnsureProtectedCreatesBracket(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)

	err := seq.EnsureProtected(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50, TargetPrice: 109.00})
	if err != nil {
		t.Fatalf("EnsureProtected failed: %v", err)
	}

	orders := client.OpenOrders("BTCUSDT")
	var stops, targets int
	for _, o := range orders {
		switch {
		case o.IsStop():
			stops++
			if o.StopPrice != 95.50 {
				t.Errorf("stop price = %.2f, want 95.50", o.StopPrice)
			}
		case o.IsTakeProfit():
			targets++
		}
	}
	if stops != 1 || targets != 1 {
		t.Fatalf("working orders: %d stops, %d targets, want 1 and 1", stops, targets)
	}

	pos, _ := tracker.Get("BTCUSDT")
	if pos.StopOrderID == 0 || pos.ConfirmedStopPrice != 95.50 {
		t.Errorf("confirmed stop not applied: id=%d price=%.2f", pos.StopOrderID, pos.ConfirmedStopPrice)
	}
	if !pos.InGraceWindow(time.Now()) {
		t.Error("grace window not opened after recreation")
	}
	if !hasEvent(log, events.ActionRecreate, events.ResultSuccess) {
		t.Error("no successful recreate event logged")
	}
}

func TestEnsureProtectedIsIdempotent(t *testing.T) {
	seq, client, tracker, _ := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))
	client.SeedOrder(workingTarget("BTCUSDT", 109.00, 100))

	err := seq.EnsureProtected(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50, TargetPrice: 109.00})
	if err != nil {
		t.Fatalf("EnsureProtected failed: %v", err)
	}

	if n := client.Calls["PlaceOrder"]; n != 0 {
		t.Errorf("PlaceOrder called %d times on an already protected position", n)
	}
	if n := client.Calls["CancelOrder"] + client.Calls["CancelAllOrders"]; n != 0 {
		t.Errorf("cancel issued %d times on an already protected position", n)
	}

	pos, _ := tracker.Get("BTCUSDT")
	if pos.ConfirmedStopPrice != 95.50 || pos.Unprotected {
		t.Errorf("verification not recorded: price=%.2f unprotected=%v", pos.ConfirmedStopPrice, pos.Unprotected)
	}
}

func TestEnsureProtectedRejectsLooserStop(t *testing.T) {
	seq, client, tracker, _ := newTestSequencer(t)
	openLong(t, tracker, client)
	_ = tracker.Mutate("BTCUSDT", func(p *position.Position) {
		p.ConfirmedStopPrice = 97.00
	})
	// Broker shows a stop below the last confirmed price: not acceptable.
	client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))

	err := seq.EnsureProtected(context.Background(), "BTCUSDT", Protection{StopPrice: 97.00})
	if err != nil {
		t.Fatalf("EnsureProtected failed: %v", err)
	}

	if client.Calls["PlaceOrder"] == 0 {
		t.Error("looser broker stop accepted instead of recreated")
	}
	pos, _ := tracker.Get("BTCUSDT")
	if pos.ConfirmedStopPrice != 97.00 {
		t.Errorf("confirmed stop = %.2f, want 97.00", pos.ConfirmedStopPrice)
	}
}

func TestRecreateFallsBackToStandaloneStop(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)

	// The stop placements succeed; both take-profit attempts hit the
	// conflict class.
	client.FailNext("PlaceOrder", nil, conflictErr(), nil, conflictErr())

	err := seq.Recreate(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50, TargetPrice: 109.00})
	if err != nil {
		t.Fatalf("Recreate failed, want standalone-stop fallback: %v", err)
	}

	orders := client.OpenOrders("BTCUSDT")
	if len(orders) != 1 || !orders[0].IsStop() {
		t.Fatalf("working orders = %+v, want exactly one stop", orders)
	}

	pos, _ := tracker.Get("BTCUSDT")
	if pos.ConfirmedStopPrice != 95.50 {
		t.Errorf("confirmed stop = %.2f, want 95.50", pos.ConfirmedStopPrice)
	}
	if pos.TargetOrderID != 0 {
		t.Error("target order recorded despite fallback")
	}
	if !hasEvent(log, events.ActionFallback, events.ResultSuccess) {
		t.Error("no fallback event logged")
	}
}

func TestRecreateFailsWhenBrokerIsFlat(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SetPosition("BTCUSDT", 0, 0)

	err := seq.Recreate(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50})
	if !IsStateError(err) {
		t.Fatalf("err = %v, want StateError for a flat broker position", err)
	}
	if !hasEvent(log, events.ActionRecreate, events.ResultFailure) {
		t.Error("no failure event logged")
	}
}

func TestConflictResolutionKeepsMostProtectiveStop(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))
	keepID := client.SeedOrder(workingStop("BTCUSDT", 97.00, 100))

	err := seq.EnsureProtected(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50})
	if err != nil {
		t.Fatalf("EnsureProtected failed: %v", err)
	}

	orders := client.OpenOrders("BTCUSDT")
	if len(orders) != 1 {
		t.Fatalf("working orders = %d, want 1 after resolution", len(orders))
	}
	if orders[0].OrderID != keepID {
		t.Errorf("kept order %d at %.2f, want the most protective stop %d at 97.00",
			orders[0].OrderID, orders[0].StopPrice, keepID)
	}
	if client.Calls["PlaceOrder"] != 0 {
		t.Error("resolution placed new orders instead of keeping the survivor")
	}
	if !hasEvent(log, events.ActionConflictResolved, events.ResultSuccess) {
		t.Error("no conflict resolution event logged")
	}
}

func TestOverlockDetection(t *testing.T) {
	t.Run("full bracket locks each role without conflict", func(t *testing.T) {
		seq, client, tracker, _ := newTestSequencer(t)
		openLong(t, tracker, client)
		client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))
		client.SeedOrder(workingTarget("BTCUSDT", 109.00, 100))

		conflicts, err := seq.DetectConflicts(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("DetectConflicts failed: %v", err)
		}
		if len(conflicts) != 0 {
			t.Fatalf("conflicts = %+v, want none for a matched bracket", conflicts)
		}
	})

	t.Run("stale full-size stop after a partial close is rebuilt", func(t *testing.T) {
		seq, client, tracker, _ := newTestSequencer(t)
		openLong(t, tracker, client)
		// Half the position was taken off, but the full-size stop survived.
		_ = tracker.Mutate("BTCUSDT", func(p *position.Position) {
			p.RemainingQuantity = 50
		})
		client.SetPosition("BTCUSDT", 50, 100)
		client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))

		err := seq.EnsureProtected(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50, TargetPrice: 109.00})
		if err != nil {
			t.Fatalf("EnsureProtected failed: %v", err)
		}
		if client.Calls["CancelOrder"]+client.Calls["CancelAllOrders"] == 0 {
			t.Error("stale full-size stop left in place")
		}
		for _, o := range client.OpenOrders("BTCUSDT") {
			if o.IsStop() && o.OrigQty != 50 {
				t.Errorf("stop qty = %.2f, want 50 after rebuild", o.OrigQty)
			}
		}
	})
}

func TestCancelConfirmationTimeout(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)
	// A stop on the wrong side of the market forces recreation, and the
	// broker never acknowledges the cancellation.
	client.SeedOrder(workingStop("BTCUSDT", 105.00, 100))
	client.CancelAckDelay = 1 << 30

	err := seq.EnsureProtected(context.Background(), "BTCUSDT", Protection{StopPrice: 95.50})
	if !IsStateError(err) {
		t.Fatalf("err = %v, want StateError on unconfirmed cancellation", err)
	}
	if !hasEvent(log, events.ActionRecreate, events.ResultFailure) {
		t.Error("no failure event logged")
	}
}

func TestPartialExitResizesStop(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))
	client.SetPrice("BTCUSDT", 109.00)

	fillPrice, fillQty, err := seq.PartialExit(context.Background(), "BTCUSDT", 50, 2.0, 100.00)
	if err != nil {
		t.Fatalf("PartialExit failed: %v", err)
	}
	if fillPrice != 109.00 || fillQty != 50 {
		t.Errorf("fill = %.2f @ %.2f, want 50 @ 109.00", fillQty, fillPrice)
	}

	orders := client.OpenOrders("BTCUSDT")
	if len(orders) != 1 || !orders[0].IsStop() {
		t.Fatalf("working orders = %+v, want one resized stop", orders)
	}
	if orders[0].OrigQty != 50 || orders[0].StopPrice != 100.00 {
		t.Errorf("stop = %.2f qty %.2f, want 100.00 qty 50", orders[0].StopPrice, orders[0].OrigQty)
	}
	if !hasEvent(log, events.ActionPartialExit, events.ResultSuccess) {
		t.Error("no partial exit event logged")
	}
}

func TestPartialExitStopFailureIsStateError(t *testing.T) {
	seq, client, tracker, _ := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SetPrice("BTCUSDT", 109.00)

	// Market exit fills, then the replacement stop hits a conflict.
	client.FailNext("PlaceOrder", nil, conflictErr())

	fillPrice, fillQty, err := seq.PartialExit(context.Background(), "BTCUSDT", 50, 2.0, 100.00)
	if !IsStateError(err) {
		t.Fatalf("err = %v, want StateError after fill without stop", err)
	}
	if fillQty != 50 || fillPrice != 109.00 {
		t.Errorf("fill lost on error path: %.2f @ %.2f", fillQty, fillPrice)
	}
}

func TestPartialExitRestoresStopWhenExitFails(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))
	client.SetPrice("BTCUSDT", 109.00)
	_ = tracker.Mutate("BTCUSDT", func(p *position.Position) {
		p.ConfirmedStopPrice = 95.50
	})

	// Every attempt at the market exit conflicts; the bracket cancel has
	// already happened, so the stop must come back.
	client.FailNext("PlaceOrder", conflictErr())

	_, _, err := seq.PartialExit(context.Background(), "BTCUSDT", 50, 2.0, 100.00)
	if err == nil {
		t.Fatal("PartialExit succeeded, want conflict error")
	}

	orders := client.OpenOrders("BTCUSDT")
	if len(orders) == 0 {
		t.Fatal("no working orders after failed exit: position left unprotected")
	}
	foundStop := false
	for _, o := range orders {
		if o.IsStop() && o.StopPrice == 95.50 {
			foundStop = true
		}
	}
	if !foundStop {
		t.Errorf("restored stop missing, orders = %+v", orders)
	}
	if !hasEvent(log, events.ActionPartialExit, events.ResultRolledBack) {
		t.Error("no rollback event logged")
	}
}

func TestSyncStop(t *testing.T) {
	seq, client, tracker, _ := newTestSequencer(t)
	openLong(t, tracker, client)
	stopID := client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))
	_ = tracker.Mutate("BTCUSDT", func(p *position.Position) {
		p.ConfirmedStopPrice = 95.50
		p.StopOrderID = stopID
	})

	t.Run("tightening replaces the stop", func(t *testing.T) {
		if err := seq.SyncStop(context.Background(), "BTCUSDT", 100.00); err != nil {
			t.Fatalf("SyncStop failed: %v", err)
		}
		orders := client.OpenOrders("BTCUSDT")
		if len(orders) != 1 || orders[0].StopPrice != 100.00 {
			t.Fatalf("orders = %+v, want single stop at 100.00", orders)
		}
		pos, _ := tracker.Get("BTCUSDT")
		if pos.ConfirmedStopPrice != 100.00 {
			t.Errorf("confirmed stop = %.2f, want 100.00", pos.ConfirmedStopPrice)
		}
		if pos.State != position.StateBreakevenProtected {
			t.Errorf("state = %s, want BREAKEVEN_PROTECTED once the stop reaches entry", pos.State)
		}
	})

	t.Run("loosening is a no-op", func(t *testing.T) {
		before := client.Calls["PlaceOrder"]
		if err := seq.SyncStop(context.Background(), "BTCUSDT", 95.50); err != nil {
			t.Fatalf("SyncStop failed: %v", err)
		}
		if client.Calls["PlaceOrder"] != before {
			t.Error("loosening SyncStop touched the broker")
		}
	})
}

func TestEmergencyClose(t *testing.T) {
	seq, client, tracker, log := newTestSequencer(t)
	openLong(t, tracker, client)
	client.SeedOrder(workingStop("BTCUSDT", 95.50, 100))

	if err := seq.EmergencyClose(context.Background(), "BTCUSDT", "healing exhausted"); err != nil {
		t.Fatalf("EmergencyClose failed: %v", err)
	}
	if orders := client.OpenOrders("BTCUSDT"); len(orders) != 0 {
		t.Errorf("working orders remain after emergency close: %+v", orders)
	}
	if !hasEvent(log, events.ActionEmergencyStop, events.ResultSuccess) {
		t.Error("no emergency stop event logged")
	}
}

func TestSymbolLockTimeout(t *testing.T) {
	locks := newSymbolLocks()
	release, err := locks.acquire("BTCUSDT", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := locks.acquire("BTCUSDT", 10*time.Millisecond); err == nil {
		t.Error("second acquire succeeded while the lock was held")
	}
	release()
	release2, err := locks.acquire("BTCUSDT", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	release2()
}

func TestOrderSetRoles(t *testing.T) {
	orders := []broker.Order{
		{OrderID: 1, Symbol: "BTCUSDT", Type: broker.OrderTypeStopMarket, Status: broker.OrderStatusNew, StopPrice: 95.50, OrigQty: 100},
		{OrderID: 2, Symbol: "BTCUSDT", Type: broker.OrderTypeTakeProfitMarket, Status: broker.OrderStatusNew, StopPrice: 109, OrigQty: 100},
		{OrderID: 3, Symbol: "BTCUSDT", Type: broker.OrderTypeLimit, Status: broker.OrderStatusNew, Price: 99, OrigQty: 10},
	}
	set := newOrderSet("BTCUSDT", orders)

	if set.ActiveStop() == nil || set.ActiveStop().OrderID != 1 {
		t.Error("stop not classified")
	}
	if set.ActiveTarget() == nil || set.ActiveTarget().OrderID != 2 {
		t.Error("take-profit not classified")
	}
	if len(set.Others) != 1 {
		t.Errorf("others = %d, want 1", len(set.Others))
	}
	if set.WorkingCount() != 3 {
		t.Errorf("WorkingCount = %d, want 3", set.WorkingCount())
	}
	if !set.Fresh(time.Second) {
		t.Error("fresh snapshot reported stale")
	}
	if set.Fresh(0) {
		t.Error("zero freshness window accepted")
	}
}
