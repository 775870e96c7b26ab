package position

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestPosition(t *testing.T, tracker *Tracker) *Position {
	t.Helper()
	pos, err := tracker.Open(OpenEvent{
		Symbol:           "BTCUSDT",
		Side:             SideLong,
		Quantity:         100,
		EntryPrice:       100,
		InitialStopPrice: 95.50,
	}, NewAllocation(2.0, 50, 3.0, 25, 4.0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return pos
}

func TestTrackerOpen(t *testing.T) {
	tracker := NewTracker(15*time.Second, zerolog.Nop())

	pos := openTestPosition(t, tracker)
	if pos.RUnit != 4.50 {
		t.Errorf("RUnit = %.4f, want 4.50", pos.RUnit)
	}
	if pos.State != StateInitialRisk {
		t.Errorf("State = %s, want %s", pos.State, StateInitialRisk)
	}

	t.Run("duplicate open is rejected", func(t *testing.T) {
		_, err := tracker.Open(OpenEvent{
			Symbol: "BTCUSDT", Side: SideLong, Quantity: 5,
			EntryPrice: 101, InitialStopPrice: 99,
		}, nil)
		if err != ErrAlreadyExists {
			t.Errorf("err = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("zero risk unit is rejected", func(t *testing.T) {
		_, err := tracker.Open(OpenEvent{
			Symbol: "ETHUSDT", Side: SideLong, Quantity: 5,
			EntryPrice: 100, InitialStopPrice: 100,
		}, nil)
		if err != ErrInvalidRUnit {
			t.Errorf("err = %v, want ErrInvalidRUnit", err)
		}
	})
}

func TestTrackerUpdate(t *testing.T) {
	tracker := NewTracker(15*time.Second, zerolog.Nop())
	openTestPosition(t, tracker)

	pos, err := tracker.Update("BTCUSDT", 109.00)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if pos.RMultiple != 2.0 {
		t.Errorf("RMultiple = %.4f, want 2.0", pos.RMultiple)
	}
	if pos.UnrealizedPnL != 900 {
		t.Errorf("UnrealizedPnL = %.2f, want 900", pos.UnrealizedPnL)
	}

	t.Run("short positions gain as price falls", func(t *testing.T) {
		_, err := tracker.Open(OpenEvent{
			Symbol: "ETHUSDT", Side: SideShort, Quantity: 10,
			EntryPrice: 200, InitialStopPrice: 209,
		}, nil)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		short, err := tracker.Update("ETHUSDT", 182)
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if short.RMultiple != 2.0 {
			t.Errorf("short RMultiple = %.4f, want 2.0", short.RMultiple)
		}
	})
}

func TestTrackerCopySemantics(t *testing.T) {
	tracker := NewTracker(15*time.Second, zerolog.Nop())
	openTestPosition(t, tracker)

	pos, _ := tracker.Get("BTCUSDT")
	pos.RemainingQuantity = 1
	pos.Allocation.Lots[0].Status = LotFilled

	fresh, _ := tracker.Get("BTCUSDT")
	if fresh.RemainingQuantity != 100 {
		t.Error("mutating a returned copy leaked into tracked state")
	}
	if fresh.Allocation.Lots[0].Status == LotFilled {
		t.Error("mutating a returned allocation leaked into tracked state")
	}
}

func TestTrackerPartialFillAndRemove(t *testing.T) {
	tracker := NewTracker(15*time.Second, zerolog.Nop())
	openTestPosition(t, tracker)

	if err := tracker.ApplyPartialFill("BTCUSDT", 50, 109); err != nil {
		t.Fatalf("ApplyPartialFill failed: %v", err)
	}
	pos, _ := tracker.Get("BTCUSDT")
	if pos.RemainingQuantity != 50 {
		t.Errorf("RemainingQuantity = %.2f, want 50", pos.RemainingQuantity)
	}
	if pos.RealizedPnL != 450 {
		t.Errorf("RealizedPnL = %.2f, want 450", pos.RealizedPnL)
	}

	t.Run("overfill is rejected", func(t *testing.T) {
		if err := tracker.ApplyPartialFill("BTCUSDT", 60, 110); err != ErrInvalidQuantity {
			t.Errorf("err = %v, want ErrInvalidQuantity", err)
		}
	})

	t.Run("open positions cannot be removed", func(t *testing.T) {
		if err := tracker.Remove("BTCUSDT"); err == nil {
			t.Error("Remove succeeded on a position with quantity outstanding")
		}
	})

	t.Run("closed positions are removed", func(t *testing.T) {
		if err := tracker.ApplyPartialFill("BTCUSDT", 50, 113.5); err != nil {
			t.Fatalf("ApplyPartialFill failed: %v", err)
		}
		if err := tracker.Remove("BTCUSDT"); err != nil {
			t.Errorf("Remove failed: %v", err)
		}
		if _, err := tracker.Get("BTCUSDT"); err != ErrNotFound {
			t.Errorf("Get after Remove = %v, want ErrNotFound", err)
		}
	})
}

func TestTrackerRestore(t *testing.T) {
	tracker := NewTracker(15*time.Second, zerolog.Nop())

	err := tracker.Restore(&Position{
		ID: "restored-1", Symbol: "SOLUSDT", Side: SideLong,
		EntryPrice: 50, InitialStopPrice: 47, RUnit: 3,
		TotalQuantity: 100, RemainingQuantity: 50,
		State: StatePartialProfitTaken, OpenedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	pos, err := tracker.Get("SOLUSDT")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if pos.ID != "restored-1" {
		t.Errorf("ID = %s, identity not preserved", pos.ID)
	}
	if !pos.Unprotected {
		t.Error("restored position must start unprotected until re-verified")
	}
	if pos.Allocation == nil {
		t.Fatal("restored position has no allocation ladder")
	}
	if pos.Allocation.Lots[0].Status != LotFilled {
		t.Error("realized quantity not reflected in rebuilt ladder")
	}
	if pos.Allocation.Lots[1].Status == LotFilled {
		t.Error("unrealized lots marked filled")
	}
}

func TestStateMonotonicity(t *testing.T) {
	pos := &Position{State: StateInitialRisk}

	if !pos.AdvanceState(StateBreakevenProtected) {
		t.Error("forward advance rejected")
	}
	if !pos.AdvanceState(StatePartialProfitTaken) {
		t.Error("forward advance rejected")
	}
	if pos.AdvanceState(StateBreakevenProtected) {
		t.Error("backward transition accepted")
	}
	if pos.State != StatePartialProfitTaken {
		t.Errorf("State = %s after rejected downgrade, want %s", pos.State, StatePartialProfitTaken)
	}
	if pos.AdvanceState(StatePartialProfitTaken) {
		t.Error("same-state advance reported as a change")
	}
}

func TestStopImproves(t *testing.T) {
	long := &Position{Side: SideLong, ConfirmedStopPrice: 100}
	if long.StopImproves(99) {
		t.Error("lower stop reported as improvement for a long")
	}
	if !long.StopImproves(101) {
		t.Error("higher stop not reported as improvement for a long")
	}

	short := &Position{Side: SideShort, ConfirmedStopPrice: 100}
	if short.StopImproves(101) {
		t.Error("higher stop reported as improvement for a short")
	}
	if !short.StopImproves(99) {
		t.Error("lower stop not reported as improvement for a short")
	}

	unset := &Position{Side: SideLong}
	if !unset.StopImproves(42) {
		t.Error("first stop rejected when none confirmed yet")
	}
}

func TestGraceWindow(t *testing.T) {
	now := time.Now()
	pos := &Position{ProtectedUntil: now.Add(10 * time.Second)}
	if !pos.InGraceWindow(now) {
		t.Error("inside window reported as outside")
	}
	if pos.InGraceWindow(now.Add(11 * time.Second)) {
		t.Error("expired window reported as active")
	}
}
