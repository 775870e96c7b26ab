package stops

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/position"
)

func testManager() *Manager {
	return NewManager(config.Default().ProtectionConfig, zerolog.Nop())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeInitialStop(t *testing.T) {
	m := testManager()

	t.Run("ATR distance wins when wider than floor", func(t *testing.T) {
		// entry 100, ATR 3: floor = 1.50, ATR distance = 4.50
		stop := m.ComputeInitialStop(position.SideLong, 100, 3)
		if !almostEqual(stop, 95.50) {
			t.Errorf("stop = %.4f, want 95.50", stop)
		}
	})

	t.Run("percentage floor wins on a quiet tape", func(t *testing.T) {
		// entry 100, ATR 0.5: floor = 1.50, ATR distance = 0.75
		stop := m.ComputeInitialStop(position.SideLong, 100, 0.5)
		if !almostEqual(stop, 98.50) {
			t.Errorf("stop = %.4f, want 98.50", stop)
		}
	})

	t.Run("short stops sit above entry", func(t *testing.T) {
		stop := m.ComputeInitialStop(position.SideShort, 100, 3)
		if !almostEqual(stop, 104.50) {
			t.Errorf("stop = %.4f, want 104.50", stop)
		}
	})
}

func longPosition(entry, stop, current float64) *position.Position {
	rUnit := entry - stop
	return &position.Position{
		Symbol:            "BTCUSDT",
		Side:              position.SideLong,
		EntryPrice:        entry,
		InitialStopPrice:  stop,
		RUnit:             rUnit,
		CurrentPrice:      current,
		RMultiple:         (current - entry) / rUnit,
		RemainingQuantity: 10,
	}
}

func TestComputeTargetStop(t *testing.T) {
	m := testManager()

	t.Run("below breakeven threshold keeps the initial stop", func(t *testing.T) {
		pos := longPosition(100, 95.50, 103) // ~0.56R
		if got := m.ComputeTargetStop(pos, 3); got != 0 {
			t.Errorf("ComputeTargetStop = %.4f, want 0", got)
		}
	})

	t.Run("breakeven at 1R", func(t *testing.T) {
		pos := longPosition(100, 95.50, 104.50) // exactly 1R
		got := m.ComputeTargetStop(pos, 0)
		if !almostEqual(got, 100) {
			t.Errorf("ComputeTargetStop = %.4f, want 100 (breakeven)", got)
		}
	})

	t.Run("ladder locks half an R at 1.5R", func(t *testing.T) {
		pos := longPosition(100, 95.50, 106.75) // 1.5R
		got := m.ComputeTargetStop(pos, 0)
		want := 100 + 0.5*4.50
		if !almostEqual(got, want) {
			t.Errorf("ComputeTargetStop = %.4f, want %.4f", got, want)
		}
	})

	t.Run("ladder locks a full R at 2R", func(t *testing.T) {
		pos := longPosition(100, 95.50, 109.00) // 2R
		got := m.ComputeTargetStop(pos, 0)
		if !almostEqual(got, 104.50) {
			t.Errorf("ComputeTargetStop = %.4f, want 104.50", got)
		}
	})

	t.Run("short side mirrors the ladder", func(t *testing.T) {
		pos := &position.Position{
			Symbol:       "ETHUSDT",
			Side:         position.SideShort,
			EntryPrice:   100,
			RUnit:        4.50,
			CurrentPrice: 91.00, // 2R in profit for a short
			RMultiple:    2.0,
		}
		got := m.ComputeTargetStop(pos, 0)
		if !almostEqual(got, 95.50) {
			t.Errorf("ComputeTargetStop = %.4f, want 95.50", got)
		}
	})
}

func TestApplyMonotonicity(t *testing.T) {
	m := testManager()

	t.Run("first confirmed stop accepts any candidate", func(t *testing.T) {
		pos := longPosition(100, 95.50, 104.50)
		if got := m.Apply(pos, 100); !almostEqual(got, 100) {
			t.Errorf("Apply = %.4f, want 100", got)
		}
	})

	t.Run("tightening is allowed", func(t *testing.T) {
		pos := longPosition(100, 95.50, 109)
		pos.ConfirmedStopPrice = 100
		if got := m.Apply(pos, 104.50); !almostEqual(got, 104.50) {
			t.Errorf("Apply = %.4f, want 104.50", got)
		}
	})

	t.Run("loosening is rejected", func(t *testing.T) {
		pos := longPosition(100, 95.50, 109)
		pos.ConfirmedStopPrice = 104.50
		if got := m.Apply(pos, 100); got != 0 {
			t.Errorf("Apply = %.4f, want 0 for a loosening candidate", got)
		}
	})

	t.Run("equal candidate is a no-op", func(t *testing.T) {
		pos := longPosition(100, 95.50, 109)
		pos.ConfirmedStopPrice = 104.50
		if got := m.Apply(pos, 104.50); got != 0 {
			t.Errorf("Apply = %.4f, want 0 for an unchanged candidate", got)
		}
	})

	t.Run("short side rejects upward moves", func(t *testing.T) {
		pos := &position.Position{
			Side:               position.SideShort,
			EntryPrice:         100,
			RUnit:              4.50,
			ConfirmedStopPrice: 95.50,
		}
		if got := m.Apply(pos, 97); got != 0 {
			t.Errorf("Apply = %.4f, want 0", got)
		}
		if got := m.Apply(pos, 94); !almostEqual(got, 94) {
			t.Errorf("Apply = %.4f, want 94", got)
		}
	})
}
