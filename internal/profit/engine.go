// Package profit decides when and how much of a position to scale out as it
// crosses R-multiple thresholds.
package profit

import (
	"github.com/rs/zerolog"

	"position-guardian/internal/position"
)

// ExitInstruction tells the sequencer to scale out of a position
type ExitInstruction struct {
	Symbol   string
	Quantity float64
	Lot      *position.Lot
	Final    bool // Closes the remainder of the position
}

// Engine evaluates scale-out eligibility. Evaluate is idempotent: a lot is
// only returned while unfilled, so re-evaluating the same state without a
// new threshold crossing yields nothing.
type Engine struct {
	letRunnerRide bool
	logger        zerolog.Logger
}

// NewEngine creates a profit taking engine. When letRunnerRide is set the
// final lot is never scheduled; the trailing stop manages the residual until
// it is hit.
func NewEngine(letRunnerRide bool, logger zerolog.Logger) *Engine {
	return &Engine{
		letRunnerRide: letRunnerRide,
		logger:        logger.With().Str("component", "profit-engine").Logger(),
	}
}

// Evaluate returns the next exit to execute, or nil when no unfilled lot's
// threshold has been crossed
func (e *Engine) Evaluate(pos *position.Position) *ExitInstruction {
	if pos.Allocation == nil || pos.Closed() {
		return nil
	}

	lot := pos.Allocation.NextEligible(pos.RMultiple)
	if lot == nil {
		return nil
	}
	if e.letRunnerRide && lot.Final() {
		return nil
	}

	var qty float64
	final := lot.Final()
	if final {
		qty = pos.RemainingQuantity
	} else {
		qty = pos.TotalQuantity * lot.Percent / 100
		if qty > pos.RemainingQuantity {
			qty = pos.RemainingQuantity
			final = true
		}
	}
	if qty <= 0 {
		return nil
	}

	e.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("r_multiple", pos.RMultiple).
		Float64("target_r", lot.TargetR).
		Float64("quantity", qty).
		Bool("final", final).
		Msg("Scale-out threshold crossed")

	return &ExitInstruction{
		Symbol:   pos.Symbol,
		Quantity: qty,
		Lot:      lot,
		Final:    final,
	}
}

// StateFor maps a filled lot to the protection stage the position should
// advance to
func StateFor(lot *position.Lot, partialR, advancedR float64) position.State {
	switch {
	case lot.Final():
		return position.StateFinalProfitTaken
	case lot.TargetR >= advancedR:
		return position.StateAdvancedProfitTaken
	case lot.TargetR >= partialR:
		return position.StatePartialProfitTaken
	default:
		return position.StateInitialRisk
	}
}
