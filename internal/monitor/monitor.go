// Package monitor runs the protection loops: a fast cycle that reprices
// positions, takes profits and repairs missing stops, and a slower cycle
// that trails stops and reconciles against the broker's view.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/broker"
	"position-guardian/internal/circuit"
	"position-guardian/internal/errorhandler"
	"position-guardian/internal/events"
	"position-guardian/internal/position"
	"position-guardian/internal/profit"
	"position-guardian/internal/sequencer"
	"position-guardian/internal/stops"
)

// Monitor owns the periodic protection cycles for all tracked symbols
type Monitor struct {
	client  broker.Client
	tracker *position.Tracker
	stops   *stops.Manager
	profit  *profit.Engine
	seq     *sequencer.Sequencer
	handler *errorhandler.Handler
	bus     *events.Bus
	cfg     config.ProtectionConfig
	logger  zerolog.Logger

	mu               sync.Mutex
	atr              map[string]float64
	unprotectedSince map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor
func New(client broker.Client, tracker *position.Tracker, stopMgr *stops.Manager, profitEngine *profit.Engine, seq *sequencer.Sequencer, handler *errorhandler.Handler, bus *events.Bus, cfg config.ProtectionConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		client:           client,
		tracker:          tracker,
		stops:            stopMgr,
		profit:           profitEngine,
		seq:              seq,
		handler:          handler,
		bus:              bus,
		cfg:              cfg,
		logger:           logger.With().Str("component", "monitor").Logger(),
		atr:              make(map[string]float64),
		unprotectedSince: make(map[string]time.Time),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the check and stop-sync loops
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.runLoop(ctx, time.Duration(m.cfg.CheckIntervalSec)*time.Second, m.checkCycle)
	go m.runLoop(ctx, time.Duration(m.cfg.StopSyncIntervalSec)*time.Second, m.stopSyncCycle)
	m.logger.Info().
		Int("check_interval_sec", m.cfg.CheckIntervalSec).
		Int("stop_sync_interval_sec", m.cfg.StopSyncIntervalSec).
		Msg("Protection monitor started")
}

// Stop halts the loops and waits for in-flight cycles
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("Protection monitor stopped")
}

func (m *Monitor) runLoop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// TrackOpen registers a newly filled entry, computes the initial stop when
// the caller did not supply one, and places the protective bracket.
func (m *Monitor) TrackOpen(ctx context.Context, event position.OpenEvent, atr float64) (*position.Position, error) {
	if event.InitialStopPrice == 0 {
		event.InitialStopPrice = m.stops.ComputeInitialStop(event.Side, event.EntryPrice, atr)
	}

	alloc := position.NewAllocation(
		m.cfg.PartialExitR, m.cfg.PartialExitPct,
		m.cfg.AdvancedExitR, m.cfg.AdvancedExitPct,
		m.cfg.FinalExitR,
	)
	pos, err := m.tracker.Open(event, alloc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.atr[event.Symbol] = atr
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.EventPositionOpened, map[string]interface{}{
			"symbol":       pos.Symbol,
			"side":         string(pos.Side),
			"entry_price":  pos.EntryPrice,
			"initial_stop": pos.InitialStopPrice,
			"r_unit":       pos.RUnit,
		})
	}

	if err := m.seq.Recreate(ctx, pos.Symbol, sequencer.Protection{
		StopPrice:   pos.InitialStopPrice,
		TargetPrice: m.targetPriceFor(pos),
	}); err != nil {
		// The position is live and unprotected; the next check cycle heals.
		m.handler.Handle(ctx, circuit.CategoryRecreate, pos.Symbol, err)
		m.markUnprotected(pos.Symbol, "initial bracket creation failed")
		return pos, err
	}
	return m.tracker.Get(pos.Symbol)
}

// SetATR updates the volatility estimate used for trailing stops
func (m *Monitor) SetATR(symbol string, atr float64) {
	m.mu.Lock()
	m.atr[symbol] = atr
	m.mu.Unlock()
}

func (m *Monitor) atrFor(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atr[symbol]
}

// checkCycle is the fast loop: reprice, take profits, repair protection,
// escalate positions stuck unprotected.
func (m *Monitor) checkCycle(ctx context.Context) {
	symbols := m.tracker.Symbols()
	if len(symbols) == 0 {
		m.handler.RecordFetchCycle(ctx, true, m.executeQueued)
		return
	}

	// Symbols are handled in parallel; per-symbol ordering is enforced by
	// the sequencer's symbol locks.
	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   bool
	)
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			price, err := m.client.GetCurrentPrice(ctx, symbol)
			if err != nil {
				m.logger.Warn().Str("symbol", symbol).Err(err).Msg("Price fetch failed")
				failedMu.Lock()
				failed = true
				failedMu.Unlock()
				return
			}
			pos, err := m.tracker.Update(symbol, price)
			if err != nil {
				return
			}
			m.handleSymbol(ctx, pos)
		}(symbol)
	}
	wg.Wait()

	m.handler.RecordFetchCycle(ctx, !failed, m.executeQueued)
}

func (m *Monitor) handleSymbol(ctx context.Context, pos *position.Position) {
	symbol := pos.Symbol

	if m.tracker.IsStale(symbol) {
		// Decisions on stale quotes are worse than no decisions; protection
		// repair still runs because it fetches its own fresh state.
		m.logger.Warn().Str("symbol", symbol).Msg("Quote stale, skipping profit evaluation")
	} else if instr := m.profit.Evaluate(pos); instr != nil {
		m.executeExit(ctx, pos, instr)
		refreshed, err := m.tracker.Get(symbol)
		if err != nil {
			return
		}
		if refreshed.Closed() {
			m.finishClosed(refreshed, "final profit target reached")
			return
		}
		pos = refreshed
	}

	m.ensureProtection(ctx, pos)
}

// executeExit runs one scale-out through the sequencer and applies the
// confirmed outcome to tracked state
func (m *Monitor) executeExit(ctx context.Context, pos *position.Position, instr *profit.ExitInstruction) {
	symbol := pos.Symbol

	if allowed, reason := m.handler.Allow(circuit.CategoryPartialExit); !allowed {
		m.logger.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Partial exit deferred")
		m.enqueueExit(ctx, pos, instr)
		return
	}

	postStop := m.stops.Apply(pos, m.stops.ComputeTargetStop(pos, m.atrFor(symbol)))

	fillPrice, fillQty, err := m.seq.PartialExit(ctx, symbol, instr.Quantity, instr.Lot.TargetR, postStop)
	if shouldDefer := m.handler.Handle(ctx, circuit.CategoryPartialExit, symbol, err); err != nil {
		_ = m.tracker.Mutate(symbol, func(p *position.Position) {
			if lot := p.Allocation.LotAt(instr.Lot.TargetR); lot != nil {
				p.Allocation.MarkFailed(lot, err.Error())
			}
		})
		if fillQty > 0 {
			// Shares sold but the stop resize failed. Book the fill and
			// repair protection right away.
			m.applyFill(symbol, instr, fillQty, fillPrice)
			m.markUnprotected(symbol, "stop resize failed after partial fill")
		} else if shouldDefer {
			m.enqueueExit(ctx, pos, instr)
		}
		return
	}

	m.applyFill(symbol, instr, fillQty, fillPrice)
}

func (m *Monitor) applyFill(symbol string, instr *profit.ExitInstruction, qty, price float64) {
	_ = m.tracker.ApplyPartialFill(symbol, qty, price)
	_ = m.tracker.Mutate(symbol, func(p *position.Position) {
		if lot := p.Allocation.LotAt(instr.Lot.TargetR); lot != nil {
			p.Allocation.MarkFilled(lot, price, qty, time.Now())
		}
		p.AdvanceState(profit.StateFor(instr.Lot, m.cfg.PartialExitR, m.cfg.AdvancedExitR))
	})
}

func (m *Monitor) enqueueExit(ctx context.Context, pos *position.Position, instr *profit.ExitInstruction) {
	if err := m.handler.Queue().Enqueue(ctx, errorhandler.QueuedOperation{
		Symbol:   pos.Symbol,
		Kind:     "partial_exit",
		Quantity: instr.Quantity,
		TargetR:  instr.Lot.TargetR,
	}); err != nil {
		m.logger.Error().Str("symbol", pos.Symbol).Err(err).Msg("Failed to queue partial exit")
	}
}

// ensureProtection verifies or repairs the protective stop and escalates
// when healing keeps failing
func (m *Monitor) ensureProtection(ctx context.Context, pos *position.Position) {
	symbol := pos.Symbol

	if allowed, reason := m.handler.Allow(circuit.CategoryRecreate); !allowed {
		m.logger.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Protection repair blocked")
		m.escalateIfStuck(ctx, pos)
		return
	}

	err := m.seq.EnsureProtected(ctx, symbol, sequencer.Protection{
		StopPrice:   m.desiredStop(pos),
		TargetPrice: m.targetPriceFor(pos),
	})
	m.handler.Handle(ctx, circuit.CategoryRecreate, symbol, err)
	if err != nil {
		m.markUnprotected(symbol, err.Error())
		_ = m.tracker.Mutate(symbol, func(p *position.Position) {
			p.HealAttempts++
		})
		refreshed, getErr := m.tracker.Get(symbol)
		if getErr == nil {
			m.escalateIfStuck(ctx, refreshed)
		}
		return
	}

	m.mu.Lock()
	delete(m.unprotectedSince, symbol)
	m.mu.Unlock()
}

// escalateIfStuck market-closes a position that has stayed unprotected past
// the allowed healing attempts or time window
func (m *Monitor) escalateIfStuck(ctx context.Context, pos *position.Position) {
	symbol := pos.Symbol

	m.mu.Lock()
	since, tracked := m.unprotectedSince[symbol]
	m.mu.Unlock()

	tooLong := tracked && time.Since(since) > time.Duration(m.cfg.MaxUnprotectedSec)*time.Second
	tooMany := pos.HealAttempts >= m.cfg.MaxHealAttempts

	if !tooLong && !tooMany {
		return
	}

	reason := "protection healing exhausted"
	if tooLong {
		reason = "position unprotected past the allowed window"
	}
	m.logger.Error().
		Str("symbol", symbol).
		Int("heal_attempts", pos.HealAttempts).
		Msg("Escalating to emergency close: " + reason)

	if err := m.seq.EmergencyClose(ctx, symbol, reason); err != nil {
		m.logger.Error().Str("symbol", symbol).Err(err).Msg("Emergency close failed")
		return
	}
	_ = m.tracker.Mutate(symbol, func(p *position.Position) {
		p.RemainingQuantity = 0
	})
	if closed, err := m.tracker.Get(symbol); err == nil {
		m.finishClosed(closed, reason)
	}
}

// stopSyncCycle is the slow loop: trail stops upward and reconcile tracked
// positions against the broker
func (m *Monitor) stopSyncCycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pos := range m.tracker.All() {
		wg.Add(1)
		go func(pos *position.Position) {
			defer wg.Done()
			m.syncSymbol(ctx, pos)
		}(pos)
	}
	wg.Wait()
}

func (m *Monitor) syncSymbol(ctx context.Context, pos *position.Position) {
	symbol := pos.Symbol

	brokerPos, err := m.client.GetPosition(ctx, symbol, true)
	if err == nil && !brokerPos.IsOpen() {
		// Closed on the broker side, stop or target filled or a manual
		// close. Reconcile and release the symbol.
		_ = m.tracker.Mutate(symbol, func(p *position.Position) {
			p.RemainingQuantity = 0
		})
		if closed, getErr := m.tracker.Get(symbol); getErr == nil {
			m.finishClosed(closed, "position closed at broker")
		}
		return
	}

	candidate := m.stops.Apply(pos, m.stops.ComputeTargetStop(pos, m.atrFor(symbol)))
	if candidate == 0 {
		return
	}

	if allowed, reason := m.handler.Allow(circuit.CategoryStopSync); !allowed {
		m.logger.Warn().Str("symbol", symbol).Str("reason", reason).Msg("Stop sync blocked")
		return
	}
	err = m.seq.SyncStop(ctx, symbol, candidate)
	if m.handler.Handle(ctx, circuit.CategoryStopSync, symbol, err) {
		if queueErr := m.handler.Queue().Enqueue(ctx, errorhandler.QueuedOperation{
			Symbol:    symbol,
			Kind:      "sync_stop",
			StopPrice: candidate,
		}); queueErr != nil {
			m.logger.Error().Str("symbol", symbol).Err(queueErr).Msg("Failed to queue stop sync")
		}
	}
	if err != nil && sequencer.IsStateError(err) {
		m.markUnprotected(symbol, err.Error())
	}
}

// executeQueued replays one deferred intent. Used when recovery mode exits.
func (m *Monitor) executeQueued(ctx context.Context, op errorhandler.QueuedOperation) error {
	pos, err := m.tracker.Get(op.Symbol)
	if err != nil || pos.Closed() {
		// Position gone; the intent is moot.
		return nil
	}

	switch op.Kind {
	case "sync_stop":
		return m.seq.SyncStop(ctx, op.Symbol, op.StopPrice)
	case "partial_exit":
		lot := pos.Allocation.LotAt(op.TargetR)
		if lot == nil || lot.Status == position.LotFilled {
			return nil
		}
		instr := &profit.ExitInstruction{Symbol: op.Symbol, Quantity: op.Quantity, Lot: lot, Final: lot.Final()}
		m.executeExit(ctx, pos, instr)
		return nil
	default:
		return m.seq.EnsureProtected(ctx, op.Symbol, sequencer.Protection{
			StopPrice:   m.desiredStop(pos),
			TargetPrice: m.targetPriceFor(pos),
		})
	}
}

func (m *Monitor) finishClosed(pos *position.Position, reason string) {
	if m.bus != nil {
		m.bus.Publish(events.EventPositionClosed, map[string]interface{}{
			"symbol":         pos.Symbol,
			"reason":         reason,
			"realized_state": string(pos.State),
		})
	}
	m.mu.Lock()
	delete(m.unprotectedSince, pos.Symbol)
	delete(m.atr, pos.Symbol)
	m.mu.Unlock()
	if err := m.tracker.Remove(pos.Symbol); err != nil {
		m.logger.Warn().Str("symbol", pos.Symbol).Err(err).Msg("Failed to remove closed position")
	}
}

func (m *Monitor) markUnprotected(symbol, reason string) {
	m.mu.Lock()
	if _, ok := m.unprotectedSince[symbol]; !ok {
		m.unprotectedSince[symbol] = time.Now()
	}
	m.mu.Unlock()
	_ = m.tracker.Mutate(symbol, func(p *position.Position) {
		p.Unprotected = true
		p.UnprotectedReason = reason
	})
}

// desiredStop is the stop the position should carry right now
func (m *Monitor) desiredStop(pos *position.Position) float64 {
	if candidate := m.stops.ComputeTargetStop(pos, m.atrFor(pos.Symbol)); candidate != 0 {
		if improved := m.stops.Apply(pos, candidate); improved != 0 {
			return improved
		}
	}
	if pos.ConfirmedStopPrice != 0 {
		return pos.ConfirmedStopPrice
	}
	return pos.InitialStopPrice
}

// targetPriceFor derives the take-profit price from the next unfilled lot
func (m *Monitor) targetPriceFor(pos *position.Position) float64 {
	if pos.Allocation == nil {
		return 0
	}
	for _, lot := range pos.Allocation.Lots {
		if lot.Status == position.LotFilled {
			continue
		}
		return pos.EntryPrice + pos.Direction()*lot.TargetR*pos.RUnit
	}
	return 0
}
