// Package stops computes protective stop prices: initial sizing from ATR
// with a percentage floor, breakeven at 1R, and an R-ladder trail that only
// ever tightens.
package stops

import (
	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/position"
)

// Manager computes target stop prices from position state
type Manager struct {
	cfg    config.ProtectionConfig
	logger zerolog.Logger
}

// NewManager creates a stop manager
func NewManager(cfg config.ProtectionConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "stop-manager").Logger(),
	}
}

// ComputeInitialStop sizes the initial stop from entry price and ATR. The
// distance is the larger of the percentage floor and ATR x multiplier, so a
// quiet tape can never produce a stop tight enough to be shaken out by noise.
func (m *Manager) ComputeInitialStop(side position.Side, entryPrice, atr float64) float64 {
	floorDistance := entryPrice * m.cfg.MinStopDistancePct / 100
	atrDistance := atr * m.cfg.ATRMultiplier

	distance := floorDistance
	if atrDistance > distance {
		distance = atrDistance
	}

	if side == position.SideShort {
		return entryPrice + distance
	}
	return entryPrice - distance
}

// ComputeTargetStop returns the stop the position should carry at its current
// R-multiple: zero below breakeven threshold (keep the initial stop),
// breakeven at 1R, then the configured R ladder. When ATR trailing is enabled
// the tighter of ladder and ATR trail wins. The returned price is a
// candidate; Apply decides whether it actually improves on the confirmed
// stop.
func (m *Manager) ComputeTargetStop(pos *position.Position, atr float64) float64 {
	r := pos.RMultiple
	if r < m.cfg.BreakevenR {
		return 0
	}

	// Breakeven is the base once 1R is reached
	lockR := 0.0
	for _, step := range m.cfg.RTrailSteps {
		if r >= step.AtR {
			lockR = step.LockR
		}
	}
	ladderStop := pos.EntryPrice + pos.Direction()*lockR*pos.RUnit

	if m.cfg.ATRTrailingEnabled && atr > 0 {
		atrStop := pos.CurrentPrice - pos.Direction()*atr*m.cfg.ATRMultiplier
		if tighter(pos.Side, atrStop, ladderStop) {
			return atrStop
		}
	}
	return ladderStop
}

// Apply validates a candidate stop against the monotonicity invariant. It
// returns the price to submit, or zero when the candidate would loosen
// protection (logged, never applied).
func (m *Manager) Apply(pos *position.Position, candidate float64) float64 {
	if candidate <= 0 {
		return 0
	}
	if !pos.StopImproves(candidate) {
		if pos.ConfirmedStopPrice != 0 && candidate != pos.ConfirmedStopPrice {
			m.logger.Warn().
				Str("symbol", pos.Symbol).
				Float64("candidate", candidate).
				Float64("confirmed_stop", pos.ConfirmedStopPrice).
				Msg("Rejected stop update that would loosen protection")
		}
		return 0
	}
	return candidate
}

// tighter reports whether a is more protective than b for the given side
func tighter(side position.Side, a, b float64) bool {
	if side == position.SideShort {
		return a < b
	}
	return a > b
}
