// Package position holds the authoritative in-memory view of open positions:
// quantities, entry prices, R-multiples and protection state. It is pure
// bookkeeping; nothing in this package talks to the broker.
package position

import (
	"errors"
	"time"
)

// Side represents the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// State is the profit-protection stage of a position. Transitions only move
// forward; a position never regresses to an earlier stage.
type State string

const (
	StateInitialRisk        State = "INITIAL_RISK"
	StateBreakevenProtected State = "BREAKEVEN_PROTECTED"
	StatePartialProfitTaken State = "PARTIAL_PROFIT_TAKEN"
	StateAdvancedProfitTaken State = "ADVANCED_PROFIT_TAKEN"
	StateFinalProfitTaken   State = "FINAL_PROFIT_TAKEN"
)

var stateRank = map[State]int{
	StateInitialRisk:         0,
	StateBreakevenProtected:  1,
	StatePartialProfitTaken:  2,
	StateAdvancedProfitTaken: 3,
	StateFinalProfitTaken:    4,
}

// Rank returns the ordering of the state within the progression
func (s State) Rank() int {
	return stateRank[s]
}

// Errors returned by position bookkeeping
var (
	ErrNotFound        = errors.New("position not found")
	ErrAlreadyExists   = errors.New("position already exists for symbol")
	ErrInvalidRUnit    = errors.New("r_unit must be positive")
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Position is the tracked state of one open position
type Position struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	InitialStopPrice float64   `json:"initial_stop_price"`
	RUnit            float64   `json:"r_unit"` // |entry - initial stop| per share
	TotalQuantity    float64   `json:"total_quantity"`
	RemainingQuantity float64  `json:"remaining_quantity"`

	CurrentPrice  float64 `json:"current_price"`
	RMultiple     float64 `json:"r_multiple"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`

	State             State  `json:"state"`
	Unprotected       bool   `json:"unprotected"`
	UnprotectedReason string `json:"unprotected_reason,omitempty"`

	// Broker-confirmed protective orders. ConfirmedStopPrice is the last stop
	// the broker acknowledged; the monotonicity invariant is enforced against
	// it, never against a computed or in-flight value.
	StopOrderID        int64   `json:"stop_order_id,omitempty"`
	ConfirmedStopPrice float64 `json:"confirmed_stop_price,omitempty"`
	TargetOrderID      int64   `json:"target_order_id,omitempty"`
	TargetPrice        float64 `json:"target_price,omitempty"`

	OpenedAt       time.Time `json:"opened_at"`
	LastPriceAt    time.Time `json:"last_price_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
	ProtectedUntil time.Time `json:"protected_until"` // Grace window end after a recreation

	HealAttempts int `json:"heal_attempts"`

	Allocation *Allocation `json:"allocation,omitempty"`
}

// AdvanceState moves the position to a later protection stage. Backward
// transitions are ignored, which makes repeated threshold evaluation safe.
func (p *Position) AdvanceState(to State) bool {
	if to.Rank() <= p.State.Rank() {
		return false
	}
	p.State = to
	return true
}

// InGraceWindow reports whether the position is inside the post-recreation
// grace window at the given instant
func (p *Position) InGraceWindow(now time.Time) bool {
	return now.Before(p.ProtectedUntil)
}

// Direction returns +1 for long, -1 for short
func (p *Position) Direction() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// StopImproves reports whether a candidate stop price tightens protection
// relative to the confirmed stop. Equal prices do not improve.
func (p *Position) StopImproves(candidate float64) bool {
	if p.ConfirmedStopPrice == 0 {
		return candidate > 0
	}
	if p.Side == SideShort {
		return candidate < p.ConfirmedStopPrice
	}
	return candidate > p.ConfirmedStopPrice
}

// Closed reports whether the position has no remaining quantity
func (p *Position) Closed() bool {
	return p.RemainingQuantity <= 0
}
