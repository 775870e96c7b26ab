package position

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OpenEvent carries the details of an observed entry fill
type OpenEvent struct {
	Symbol           string
	Side             Side
	Quantity         float64
	EntryPrice       float64
	InitialStopPrice float64
	FilledAt         time.Time
}

// Tracker maintains the in-memory position table. All reads hand out copies;
// mutations go through tracker methods so the table stays consistent under
// concurrent symbol workers.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*Position
	staleAge  time.Duration
	logger    zerolog.Logger
}

// NewTracker creates a tracker. staleAge is the price freshness window used
// by IsStale.
func NewTracker(staleAge time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		positions: make(map[string]*Position),
		staleAge:  staleAge,
		logger:    logger.With().Str("component", "position-tracker").Logger(),
	}
}

// Open registers a position from an entry fill and returns its initial state
func (t *Tracker) Open(event OpenEvent, alloc *Allocation) (*Position, error) {
	if event.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	rUnit := math.Abs(event.EntryPrice - event.InitialStopPrice)
	if rUnit <= 0 {
		return nil, ErrInvalidRUnit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.positions[event.Symbol]; ok && !existing.Closed() {
		return nil, ErrAlreadyExists
	}

	now := time.Now()
	openedAt := event.FilledAt
	if openedAt.IsZero() {
		openedAt = now
	}

	pos := &Position{
		ID:                uuid.NewString(),
		Symbol:            event.Symbol,
		Side:              event.Side,
		EntryPrice:        event.EntryPrice,
		InitialStopPrice:  event.InitialStopPrice,
		RUnit:             rUnit,
		TotalQuantity:     event.Quantity,
		RemainingQuantity: event.Quantity,
		CurrentPrice:      event.EntryPrice,
		State:             StateInitialRisk,
		OpenedAt:          openedAt,
		LastPriceAt:       now,
		Allocation:        alloc,
	}
	t.positions[event.Symbol] = pos

	t.logger.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("entry_price", pos.EntryPrice).
		Float64("initial_stop", pos.InitialStopPrice).
		Float64("r_unit", pos.RUnit).
		Float64("quantity", pos.TotalQuantity).
		Msg("Position opened")

	return t.copyLocked(event.Symbol), nil
}

// Update recomputes R-multiple and unrealized P/L from a price tick and
// returns the refreshed state. It is pure arithmetic over tracked state.
func (t *Tracker) Update(symbol string, price float64) (*Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return nil, ErrNotFound
	}

	pos.CurrentPrice = price
	pos.RMultiple = pos.Direction() * (price - pos.EntryPrice) / pos.RUnit
	pos.UnrealizedPnL = pos.Direction() * (price - pos.EntryPrice) * pos.RemainingQuantity
	pos.LastPriceAt = time.Now()

	return t.copyLocked(symbol), nil
}

// IsStale reports whether the position's last price update is older than the
// freshness window. Stale positions must not drive mutation decisions.
func (t *Tracker) IsStale(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return true
	}
	return time.Since(pos.LastPriceAt) > t.staleAge
}

// Get returns a copy of the position for a symbol
func (t *Tracker) Get(symbol string) (*Position, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.positions[symbol]; !ok {
		return nil, ErrNotFound
	}
	return t.copyLocked(symbol), nil
}

// All returns copies of every tracked position
func (t *Tracker) All() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Position, 0, len(t.positions))
	for symbol := range t.positions {
		out = append(out, t.copyLocked(symbol))
	}
	return out
}

// Symbols returns the tracked symbols
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.positions))
	for symbol := range t.positions {
		out = append(out, symbol)
	}
	return out
}

// Restore re-enrolls a position loaded from durable storage, keeping its
// identity and protection state. Used at startup.
func (t *Tracker) Restore(pos *Position) error {
	if pos.RemainingQuantity <= 0 {
		return ErrInvalidQuantity
	}
	if pos.RUnit <= 0 {
		return ErrInvalidRUnit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.positions[pos.Symbol]; ok && !existing.Closed() {
		return ErrAlreadyExists
	}

	cp := *pos
	if cp.Allocation == nil {
		cp.Allocation = restoredAllocation(pos)
	}
	cp.CurrentPrice = pos.EntryPrice
	cp.LastPriceAt = time.Now()
	// The stop must be re-verified before it counts as protection again.
	cp.Unprotected = true
	cp.UnprotectedReason = "restored from storage, awaiting verification"
	t.positions[cp.Symbol] = &cp
	return nil
}

// restoredAllocation rebuilds a lot ladder consistent with how much of the
// position is already realized
func restoredAllocation(pos *Position) *Allocation {
	alloc := NewAllocation(2.0, 50, 3.0, 25, 4.0)
	realized := pos.TotalQuantity - pos.RemainingQuantity
	if realized <= 0 {
		return alloc
	}
	// Mark lots filled until the realized quantity is accounted for.
	for _, lot := range alloc.Lots {
		lotQty := pos.TotalQuantity * lot.Percent / 100
		if lotQty <= 0 || realized < lotQty*0.99 {
			break
		}
		alloc.MarkFilled(lot, pos.EntryPrice, lotQty, pos.OpenedAt)
		realized -= lotQty
	}
	return alloc
}

// Mutate runs fn against the live position under the tracker lock. Used by
// the monitor and sequencer result paths to apply confirmed outcomes
// (order IDs, fills, state advances) atomically.
func (t *Tracker) Mutate(symbol string, fn func(*Position)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return ErrNotFound
	}
	fn(pos)
	return nil
}

// ApplyPartialFill reduces remaining quantity after a confirmed scale-out
// fill and books the realized P/L
func (t *Tracker) ApplyPartialFill(symbol string, qty, price float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return ErrNotFound
	}
	if qty <= 0 || qty > pos.RemainingQuantity+1e-9 {
		return ErrInvalidQuantity
	}

	pos.RemainingQuantity -= qty
	if pos.RemainingQuantity < 1e-9 {
		pos.RemainingQuantity = 0
	}
	pos.RealizedPnL += pos.Direction() * (price - pos.EntryPrice) * qty

	t.logger.Info().
		Str("symbol", symbol).
		Float64("fill_qty", qty).
		Float64("fill_price", price).
		Float64("remaining_qty", pos.RemainingQuantity).
		Msg("Partial fill applied")

	return nil
}

// Remove drops a closed position from the table. It refuses to drop a
// position that still has quantity.
func (t *Tracker) Remove(symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[symbol]
	if !ok {
		return ErrNotFound
	}
	if !pos.Closed() {
		return ErrInvalidQuantity
	}
	delete(t.positions, symbol)

	t.logger.Info().
		Str("symbol", symbol).
		Float64("realized_pnl", pos.RealizedPnL).
		Msg("Position removed")
	return nil
}

// copyLocked returns a deep copy; callers must hold at least a read lock
func (t *Tracker) copyLocked(symbol string) *Position {
	pos := t.positions[symbol]
	cp := *pos
	if pos.Allocation != nil {
		lots := make([]*Lot, len(pos.Allocation.Lots))
		for i, lot := range pos.Allocation.Lots {
			l := *lot
			lots[i] = &l
		}
		cp.Allocation = &Allocation{Lots: lots}
	}
	return &cp
}
