// Package sequencer is the only component allowed to mutate broker-side
// orders. All mutations for a symbol run under that symbol's lock, every
// decision is made from a freshly fetched order snapshot, and multi-step
// sequences either complete or degrade to a standalone stop; a position is
// never left with zero protection by choice.
package sequencer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"position-guardian/config"
	"position-guardian/internal/broker"
	"position-guardian/internal/events"
	"position-guardian/internal/position"
)

// Protection describes the bracket a position should carry
type Protection struct {
	StopPrice   float64
	TargetPrice float64 // Zero means no take-profit requested
}

// Sequencer serializes and executes broker order mutations per symbol
type Sequencer struct {
	client  broker.Client
	tracker *position.Tracker
	log     *events.Log
	policy  *RetryPolicy
	cfg     config.SequencerConfig
	grace   time.Duration
	locks   *symbolLocks
	logger  zerolog.Logger
}

// New creates a sequencer
func New(client broker.Client, tracker *position.Tracker, log *events.Log, policy *RetryPolicy, cfg config.SequencerConfig, grace time.Duration, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		client:  client,
		tracker: tracker,
		log:     log,
		policy:  policy,
		cfg:     cfg,
		grace:   grace,
		locks:   newSymbolLocks(),
		logger:  logger.With().Str("component", "sequencer").Logger(),
	}
}

func (s *Sequencer) lockTimeout() time.Duration {
	return time.Duration(s.cfg.LockTimeoutSec) * time.Second
}

func (s *Sequencer) cancelTimeout() time.Duration {
	return time.Duration(s.cfg.CancelConfirmTimeoutSec) * time.Second
}

func (s *Sequencer) cancelPollInterval() time.Duration {
	return time.Duration(s.cfg.CancelPollIntervalMs) * time.Millisecond
}

func (s *Sequencer) snapshotMaxAge() time.Duration {
	return time.Duration(s.cfg.SnapshotMaxAgeMs) * time.Millisecond
}

// EnsureProtected verifies that the symbol carries a valid protective stop
// and repairs it when it does not. Calling it on an already-protected
// position produces zero broker mutations.
func (s *Sequencer) EnsureProtected(ctx context.Context, symbol string, desired Protection) error {
	release, err := s.locks.acquire(symbol, s.lockTimeout())
	if err != nil {
		return &StateError{Op: "ensure_protected", Detail: err.Error()}
	}
	defer release()

	return s.ensureProtectedLocked(ctx, symbol, desired)
}

func (s *Sequencer) ensureProtectedLocked(ctx context.Context, symbol string, desired Protection) error {
	pos, err := s.tracker.Get(symbol)
	if err != nil {
		return &StateError{Op: "ensure_protected", Detail: "position not tracked", Err: err}
	}
	if pos.Closed() {
		return nil
	}

	set, err := s.fetchFreshSet(ctx, symbol)
	if err != nil {
		return err
	}

	if conflicts := s.detect(pos, set); len(conflicts) > 0 {
		set, err = s.resolveLocked(ctx, pos, set, conflicts)
		if err != nil {
			return err
		}
	}

	if stop := set.ActiveStop(); stop != nil && s.stopValid(pos, stop) {
		// Protection verified; no mutation needed.
		s.markVerified(symbol, stop, set.ActiveTarget())
		return nil
	}

	return s.recreateLocked(ctx, pos, desired)
}

// stopValid checks the observed stop against the allowed-status set, the
// side invariant, and stop monotonicity
func (s *Sequencer) stopValid(pos *position.Position, stop *broker.Order) bool {
	if !broker.IsWorkingStatus(stop.Status) {
		return false
	}
	// A stop on the wrong side of the market would trigger immediately or
	// never; neither protects.
	if pos.Side == position.SideLong && stop.StopPrice >= pos.CurrentPrice {
		return false
	}
	if pos.Side == position.SideShort && stop.StopPrice <= pos.CurrentPrice {
		return false
	}
	// Never accept a stop looser than the last confirmed one.
	if pos.ConfirmedStopPrice != 0 {
		if pos.Side == position.SideLong && stop.StopPrice < pos.ConfirmedStopPrice {
			return false
		}
		if pos.Side == position.SideShort && stop.StopPrice > pos.ConfirmedStopPrice {
			return false
		}
	}
	return true
}

// Recreate rebuilds the protective bracket for a symbol from scratch
func (s *Sequencer) Recreate(ctx context.Context, symbol string, desired Protection) error {
	release, err := s.locks.acquire(symbol, s.lockTimeout())
	if err != nil {
		return &StateError{Op: "recreate", Detail: err.Error()}
	}
	defer release()

	pos, err := s.tracker.Get(symbol)
	if err != nil {
		return &StateError{Op: "recreate", Detail: "position not tracked", Err: err}
	}
	return s.recreateLocked(ctx, pos, desired)
}

// recreateLocked runs the full recreation sequence: cancel all exits, await
// confirmation, re-verify availability, place the stop, then the target.
// A conflict during creation triggers one fresh-state retry before degrading
// to a standalone stop.
func (s *Sequencer) recreateLocked(ctx context.Context, pos *position.Position, desired Protection) error {
	symbol := pos.Symbol

	// Step 1: clear the slate.
	err := s.policy.Do(ctx, func() error {
		if err := s.client.CancelAllOrders(ctx, symbol); err != nil && !broker.IsUnknownOrder(err) {
			return classify("cancel_all", err)
		}
		return nil
	})
	if err != nil {
		s.record(ctx, pos, events.ActionRecreate, "cancel of existing exits failed: "+err.Error(), events.ResultFailure, nil)
		return err
	}

	// Step 2: bounded wait for the broker to confirm the cancellations.
	if err := s.awaitCancellation(ctx, symbol); err != nil {
		s.record(ctx, pos, events.ActionRecreate, err.Error(), events.ResultFailure, nil)
		return err
	}

	// Step 3: re-verify share availability from a fresh position fetch.
	qty, err := s.availableQuantity(ctx, pos)
	if err != nil {
		s.record(ctx, pos, events.ActionRecreate, "availability check failed: "+err.Error(), events.ResultFailure, nil)
		return err
	}
	if qty <= 0 {
		err := &StateError{Op: "recreate", Detail: fmt.Sprintf("no shares available for %s, broker reports flat", symbol)}
		s.record(ctx, pos, events.ActionRecreate, err.Detail, events.ResultFailure, nil)
		return err
	}

	// Steps 4 and 5: stop first, then target. One conflict-triggered retry
	// of the creation sequence before falling back.
	stopOrder, targetOrder, err := s.createBracket(ctx, pos, desired, qty)
	if IsConflict(err) {
		s.logger.Warn().Str("symbol", symbol).Err(err).Msg("Bracket creation hit conflict, retrying once from fresh state")
		if clearErr := s.clearAndConfirm(ctx, symbol); clearErr != nil {
			s.record(ctx, pos, events.ActionRecreate, clearErr.Error(), events.ResultFailure, nil)
			return clearErr
		}
		stopOrder, targetOrder, err = s.createBracket(ctx, pos, desired, qty)
	}

	switch {
	case err == nil:
		// Full bracket in place.
	case stopOrder != nil:
		// Target failed but the stop holds: standalone-stop fallback. The
		// position stays protected.
		s.record(ctx, pos, events.ActionFallback,
			"take-profit creation failed, holding standalone stop: "+err.Error(),
			events.ResultSuccess, []int64{stopOrder.OrderID})
		targetOrder = nil
	default:
		s.record(ctx, pos, events.ActionRecreate, "stop creation failed: "+err.Error(), events.ResultFailure, nil)
		return err
	}

	s.applyBracket(symbol, stopOrder, targetOrder)

	ids := []int64{stopOrder.OrderID}
	if targetOrder != nil {
		ids = append(ids, targetOrder.OrderID)
	}
	s.record(ctx, pos, events.ActionRecreate, "protective orders recreated", events.ResultSuccess, ids)
	return nil
}

// createBracket places the stop and then the take-profit. Returns whatever
// was successfully created alongside the error, so the caller can keep a
// standalone stop.
func (s *Sequencer) createBracket(ctx context.Context, pos *position.Position, desired Protection, qty float64) (stopOrder, targetOrder *broker.Order, err error) {
	closeSide := broker.SideSell
	if pos.Side == position.SideShort {
		closeSide = broker.SideBuy
	}

	err = s.policy.Do(ctx, func() error {
		o, placeErr := s.client.PlaceOrder(ctx, broker.OrderParams{
			Symbol:     pos.Symbol,
			Side:       closeSide,
			Type:       broker.OrderTypeStopMarket,
			Quantity:   qty,
			StopPrice:  desired.StopPrice,
			ReduceOnly: true,
		})
		if placeErr != nil {
			return classify("create_stop", placeErr)
		}
		stopOrder = o
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if desired.TargetPrice <= 0 {
		return stopOrder, nil, nil
	}

	err = s.policy.Do(ctx, func() error {
		o, placeErr := s.client.PlaceOrder(ctx, broker.OrderParams{
			Symbol:     pos.Symbol,
			Side:       closeSide,
			Type:       broker.OrderTypeTakeProfitMarket,
			Quantity:   qty,
			StopPrice:  desired.TargetPrice,
			ReduceOnly: true,
		})
		if placeErr != nil {
			return classify("create_target", placeErr)
		}
		targetOrder = o
		return nil
	})
	if err != nil {
		return stopOrder, nil, err
	}
	return stopOrder, targetOrder, nil
}

// SyncStop tightens the protective stop to newStop. A candidate that does
// not improve on the confirmed stop is a no-op.
func (s *Sequencer) SyncStop(ctx context.Context, symbol string, newStop float64) error {
	release, err := s.locks.acquire(symbol, s.lockTimeout())
	if err != nil {
		return &StateError{Op: "sync_stop", Detail: err.Error()}
	}
	defer release()

	return s.syncStopLocked(ctx, symbol, newStop)
}

func (s *Sequencer) syncStopLocked(ctx context.Context, symbol string, newStop float64) error {
	pos, err := s.tracker.Get(symbol)
	if err != nil {
		return &StateError{Op: "sync_stop", Detail: "position not tracked", Err: err}
	}
	if pos.Closed() || !pos.StopImproves(newStop) {
		return nil
	}

	set, err := s.fetchFreshSet(ctx, symbol)
	if err != nil {
		return err
	}
	if conflicts := s.detect(pos, set); len(conflicts) > 0 {
		set, err = s.resolveLocked(ctx, pos, set, conflicts)
		if err != nil {
			return err
		}
	}

	// Cancel the old stop before placing the replacement; two working stops
	// on one symbol is exactly the conflict class we resolve elsewhere.
	if old := set.ActiveStop(); old != nil {
		err = s.policy.Do(ctx, func() error {
			if cancelErr := s.client.CancelOrder(ctx, symbol, old.OrderID); cancelErr != nil && !broker.IsUnknownOrder(cancelErr) {
				return classify("cancel_stop", cancelErr)
			}
			return nil
		})
		if err != nil {
			s.record(ctx, pos, events.ActionSyncStop, "old stop cancel failed: "+err.Error(), events.ResultFailure, []int64{old.OrderID})
			return err
		}
		if err := s.awaitOrderGone(ctx, symbol, old.OrderID); err != nil {
			s.record(ctx, pos, events.ActionSyncStop, err.Error(), events.ResultFailure, []int64{old.OrderID})
			return err
		}
	}

	closeSide := broker.SideSell
	if pos.Side == position.SideShort {
		closeSide = broker.SideBuy
	}

	var stopOrder *broker.Order
	err = s.policy.Do(ctx, func() error {
		o, placeErr := s.client.PlaceOrder(ctx, broker.OrderParams{
			Symbol:     symbol,
			Side:       closeSide,
			Type:       broker.OrderTypeStopMarket,
			Quantity:   pos.RemainingQuantity,
			StopPrice:  newStop,
			ReduceOnly: true,
		})
		if placeErr != nil {
			return classify("sync_stop", placeErr)
		}
		stopOrder = o
		return nil
	})
	if err != nil {
		// The old stop is gone and the replacement failed: the position is
		// exposed. Surface a state error so the monitor repairs immediately.
		stateErr := &StateError{Op: "sync_stop", Detail: "replacement stop failed after cancel", Err: err}
		s.record(ctx, pos, events.ActionSyncStop, stateErr.Detail+": "+err.Error(), events.ResultFailure, nil)
		return stateErr
	}

	// The take-profit is untouched by a stop sync; only the stop changed.
	s.markVerified(symbol, stopOrder, nil)
	if pos.Direction()*(newStop-pos.EntryPrice) >= 0 {
		// The stop reached breakeven or better; risk on the entry is gone.
		_ = s.tracker.Mutate(symbol, func(p *position.Position) {
			p.AdvanceState(position.StateBreakevenProtected)
		})
	}
	s.record(ctx, pos, events.ActionSyncStop,
		fmt.Sprintf("stop tightened to %.4f", newStop), events.ResultSuccess, []int64{stopOrder.OrderID})
	return nil
}

// PartialExit executes a scale-out and resizes the stop for the remaining
// quantity as one locked logical unit. A stop resize failure after a
// successful fill is a StateError, never silently dropped.
func (s *Sequencer) PartialExit(ctx context.Context, symbol string, qty float64, targetR float64, postExitStop float64) (fillPrice, fillQty float64, err error) {
	release, lockErr := s.locks.acquire(symbol, s.lockTimeout())
	if lockErr != nil {
		return 0, 0, &StateError{Op: "partial_exit", Detail: lockErr.Error()}
	}
	defer release()

	pos, err := s.tracker.Get(symbol)
	if err != nil {
		return 0, 0, &StateError{Op: "partial_exit", Detail: "position not tracked", Err: err}
	}
	if pos.Closed() {
		return 0, 0, nil
	}
	if qty > pos.RemainingQuantity {
		qty = pos.RemainingQuantity
	}
	final := qty >= pos.RemainingQuantity

	closeSide := broker.SideSell
	if pos.Side == position.SideShort {
		closeSide = broker.SideBuy
	}

	// The working stop holds the shares we are about to sell; clear exits
	// first so the reduce-only market order cannot be rejected for locked
	// quantity.
	if err := s.clearAndConfirm(ctx, symbol); err != nil {
		s.record(ctx, pos, events.ActionPartialExit, err.Error(), events.ResultFailure, nil)
		return 0, 0, err
	}

	var exitOrder *broker.Order
	err = s.policy.Do(ctx, func() error {
		o, placeErr := s.client.PlaceOrder(ctx, broker.OrderParams{
			Symbol:     symbol,
			Side:       closeSide,
			Type:       broker.OrderTypeMarket,
			Quantity:   qty,
			ReduceOnly: true,
		})
		if placeErr != nil {
			return classify("partial_exit", placeErr)
		}
		exitOrder = o
		return nil
	})
	if err != nil {
		// Nothing sold; the bracket was cancelled above, so restore it
		// before reporting failure.
		s.record(ctx, pos, events.ActionPartialExit, "exit order failed: "+err.Error(), events.ResultRolledBack, nil)
		if repairErr := s.recreateLocked(ctx, pos, Protection{StopPrice: currentOrInitialStop(pos)}); repairErr != nil {
			return 0, 0, &StateError{Op: "partial_exit", Detail: "exit failed and bracket restore failed", Err: repairErr}
		}
		return 0, 0, err
	}

	fillPrice, fillQty, err = s.awaitFill(ctx, symbol, exitOrder.OrderID, qty)
	if err != nil {
		s.record(ctx, pos, events.ActionPartialExit, err.Error(), events.ResultFailure, []int64{exitOrder.OrderID})
		return 0, 0, err
	}

	s.record(ctx, pos, events.ActionPartialExit,
		fmt.Sprintf("scaled out %.6f @ %.4f (%.1fR lot)", fillQty, fillPrice, targetR),
		events.ResultSuccess, []int64{exitOrder.OrderID})

	if final || fillQty >= pos.RemainingQuantity {
		// Position fully closed; nothing left to protect.
		return fillPrice, fillQty, nil
	}

	// Same locked critical section: resize protection for the remainder.
	remaining := pos.RemainingQuantity - fillQty
	stop := postExitStop
	if stop == 0 {
		stop = currentOrInitialStop(pos)
	}

	var stopOrder *broker.Order
	err = s.policy.Do(ctx, func() error {
		o, placeErr := s.client.PlaceOrder(ctx, broker.OrderParams{
			Symbol:     symbol,
			Side:       closeSide,
			Type:       broker.OrderTypeStopMarket,
			Quantity:   remaining,
			StopPrice:  stop,
			ReduceOnly: true,
		})
		if placeErr != nil {
			return classify("post_exit_stop", placeErr)
		}
		stopOrder = o
		return nil
	})
	if err != nil {
		stateErr := &StateError{Op: "partial_exit", Detail: "stop update failed after successful partial fill", Err: err}
		s.record(ctx, pos, events.ActionPartialExit, stateErr.Detail, events.ResultFailure, []int64{exitOrder.OrderID})
		return fillPrice, fillQty, stateErr
	}

	s.applyBracket(symbol, stopOrder, nil)
	return fillPrice, fillQty, nil
}

// EmergencyClose market-closes the remaining position and cancels all exits
func (s *Sequencer) EmergencyClose(ctx context.Context, symbol, reason string) error {
	release, err := s.locks.acquire(symbol, s.lockTimeout())
	if err != nil {
		return &StateError{Op: "emergency_close", Detail: err.Error()}
	}
	defer release()

	pos, err := s.tracker.Get(symbol)
	if err != nil {
		return &StateError{Op: "emergency_close", Detail: "position not tracked", Err: err}
	}

	if err := s.clearAndConfirm(ctx, symbol); err != nil {
		s.record(ctx, pos, events.ActionEmergencyStop, err.Error(), events.ResultFailure, nil)
		return err
	}

	closeSide := broker.SideSell
	if pos.Side == position.SideShort {
		closeSide = broker.SideBuy
	}

	var order *broker.Order
	err = s.policy.Do(ctx, func() error {
		o, placeErr := s.client.PlaceOrder(ctx, broker.OrderParams{
			Symbol:        symbol,
			Side:          closeSide,
			Type:          broker.OrderTypeMarket,
			ClosePosition: true,
			ReduceOnly:    true,
		})
		if placeErr != nil {
			return classify("emergency_close", placeErr)
		}
		order = o
		return nil
	})
	if err != nil {
		s.record(ctx, pos, events.ActionEmergencyStop, "close order failed: "+err.Error(), events.ResultFailure, nil)
		return err
	}

	s.record(ctx, pos, events.ActionEmergencyStop, reason, events.ResultSuccess, []int64{order.OrderID})
	return nil
}

// ==================== INTERNALS ====================

// fetchFreshSet retrieves a fresh protective-order snapshot. The freshness
// contract is enforced with a timestamp check, not assumed.
func (s *Sequencer) fetchFreshSet(ctx context.Context, symbol string) (*OrderSet, error) {
	var set *OrderSet
	err := s.policy.Do(ctx, func() error {
		orders, fetchErr := s.client.GetOpenOrders(ctx, symbol, true)
		if fetchErr != nil {
			return classify("fetch_orders", fetchErr)
		}
		set = newOrderSet(symbol, orders)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !set.Fresh(s.snapshotMaxAge()) {
		return nil, &StateError{Op: "fetch_orders", Detail: "order snapshot exceeded freshness window"}
	}
	return set, nil
}

// awaitCancellation polls until the symbol has no working exit orders, within
// the bounded cancel-confirmation timeout. Timeout is a StateError, not a
// silent proceed on stale assumptions.
func (s *Sequencer) awaitCancellation(ctx context.Context, symbol string) error {
	deadline := time.Now().Add(s.cancelTimeout())
	for {
		orders, err := s.client.GetOpenOrders(ctx, symbol, true)
		if err == nil && newOrderSet(symbol, orders).WorkingCount() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &StateError{Op: "await_cancellation", Detail: fmt.Sprintf("cancellation of %s exits unconfirmed after %v", symbol, s.cancelTimeout())}
		}
		select {
		case <-ctx.Done():
			return &StateError{Op: "await_cancellation", Detail: "context cancelled", Err: ctx.Err()}
		case <-time.After(s.cancelPollInterval()):
		}
	}
}

// awaitOrderGone polls until a specific order is no longer working
func (s *Sequencer) awaitOrderGone(ctx context.Context, symbol string, orderID int64) error {
	deadline := time.Now().Add(s.cancelTimeout())
	for {
		order, err := s.client.GetOrder(ctx, symbol, orderID)
		if broker.IsUnknownOrder(err) {
			return nil
		}
		if err == nil && !broker.IsWorkingStatus(order.Status) {
			return nil
		}
		if time.Now().After(deadline) {
			return &StateError{Op: "await_cancellation", Detail: fmt.Sprintf("order %d cancellation unconfirmed after %v", orderID, s.cancelTimeout())}
		}
		select {
		case <-ctx.Done():
			return &StateError{Op: "await_cancellation", Detail: "context cancelled", Err: ctx.Err()}
		case <-time.After(s.cancelPollInterval()):
		}
	}
}

// awaitFill polls an order until it fills, returning average price and
// executed quantity
func (s *Sequencer) awaitFill(ctx context.Context, symbol string, orderID int64, expectedQty float64) (float64, float64, error) {
	deadline := time.Now().Add(s.cancelTimeout())
	for {
		order, err := s.client.GetOrder(ctx, symbol, orderID)
		if err == nil {
			if order.Status == broker.OrderStatusFilled {
				price := order.AvgPrice
				if price == 0 {
					price = order.Price
				}
				return price, order.ExecutedQty, nil
			}
			if order.Status.Terminal() {
				return 0, 0, &StateError{Op: "await_fill", Detail: fmt.Sprintf("order %d ended %s without filling", orderID, order.Status)}
			}
		}
		if time.Now().After(deadline) {
			return 0, 0, &StateError{Op: "await_fill", Detail: fmt.Sprintf("fill of order %d unconfirmed after %v (expected %.6f)", orderID, s.cancelTimeout(), expectedQty)}
		}
		select {
		case <-ctx.Done():
			return 0, 0, &StateError{Op: "await_fill", Detail: "context cancelled", Err: ctx.Err()}
		case <-time.After(s.cancelPollInterval()):
		}
	}
}

// clearAndConfirm cancels all exits for the symbol and waits for confirmation
func (s *Sequencer) clearAndConfirm(ctx context.Context, symbol string) error {
	err := s.policy.Do(ctx, func() error {
		if cancelErr := s.client.CancelAllOrders(ctx, symbol); cancelErr != nil && !broker.IsUnknownOrder(cancelErr) {
			return classify("cancel_all", cancelErr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.awaitCancellation(ctx, symbol)
}

// availableQuantity re-verifies, from a fresh position fetch, how many
// shares can back a new protective order
func (s *Sequencer) availableQuantity(ctx context.Context, pos *position.Position) (float64, error) {
	var brokerPos *broker.Position
	err := s.policy.Do(ctx, func() error {
		p, fetchErr := s.client.GetPosition(ctx, pos.Symbol, true)
		if fetchErr != nil {
			return classify("fetch_position", fetchErr)
		}
		brokerPos = p
		return nil
	})
	if err != nil {
		return 0, err
	}

	available := brokerPos.PositionAmt
	if available < 0 {
		available = -available
	}
	if pos.RemainingQuantity < available {
		available = pos.RemainingQuantity
	}
	return available, nil
}

// markVerified records a successful no-op verification on the tracker
func (s *Sequencer) markVerified(symbol string, stop *broker.Order, target *broker.Order) {
	now := time.Now()
	_ = s.tracker.Mutate(symbol, func(p *position.Position) {
		p.StopOrderID = stop.OrderID
		p.ConfirmedStopPrice = stop.StopPrice
		if target != nil {
			p.TargetOrderID = target.OrderID
			p.TargetPrice = target.StopPrice
		}
		p.LastVerifiedAt = now
		p.Unprotected = false
		p.UnprotectedReason = ""
		p.HealAttempts = 0
	})
}

// applyBracket records newly confirmed protective orders and opens the
// post-recreation grace window
func (s *Sequencer) applyBracket(symbol string, stop *broker.Order, target *broker.Order) {
	now := time.Now()
	_ = s.tracker.Mutate(symbol, func(p *position.Position) {
		if stop != nil {
			p.StopOrderID = stop.OrderID
			p.ConfirmedStopPrice = stop.StopPrice
		}
		if target != nil {
			p.TargetOrderID = target.OrderID
			p.TargetPrice = target.StopPrice
		} else {
			p.TargetOrderID = 0
			p.TargetPrice = 0
		}
		p.LastVerifiedAt = now
		p.ProtectedUntil = now.Add(s.grace)
		p.Unprotected = false
		p.UnprotectedReason = ""
		p.HealAttempts = 0
	})
}

func (s *Sequencer) record(ctx context.Context, pos *position.Position, action events.Action, reason string, result events.Result, orderIDs []int64) {
	if s.log == nil {
		return
	}
	s.log.Record(ctx, events.ProtectionEvent{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Action:     action,
		Reason:     reason,
		Result:     result,
		OrderIDs:   orderIDs,
	})
}

// currentOrInitialStop returns the best stop price known for a position
func currentOrInitialStop(pos *position.Position) float64 {
	if pos.ConfirmedStopPrice != 0 {
		return pos.ConfirmedStopPrice
	}
	return pos.InitialStopPrice
}
