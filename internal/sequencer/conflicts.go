package sequencer

import (
	"context"
	"fmt"

	"position-guardian/internal/broker"
	"position-guardian/internal/events"
	"position-guardian/internal/position"
)

// ConflictKind classifies an inconsistency between tracked state and the
// broker's working orders
type ConflictKind string

const (
	ConflictDuplicateStop   ConflictKind = "duplicate_stop"
	ConflictDuplicateTarget ConflictKind = "duplicate_target"
	ConflictOverlocked      ConflictKind = "overlocked"
	ConflictForeignOrder    ConflictKind = "foreign_order"
)

// Conflict describes one detected inconsistency
type Conflict struct {
	Symbol   string
	Kind     ConflictKind
	OrderIDs []int64
	Detail   string
}

// DetectConflicts fetches a fresh snapshot and reports inconsistencies
// without mutating anything
func (s *Sequencer) DetectConflicts(ctx context.Context, symbol string) ([]Conflict, error) {
	pos, err := s.tracker.Get(symbol)
	if err != nil {
		return nil, err
	}
	set, err := s.fetchFreshSet(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return s.detect(pos, set), nil
}

func (s *Sequencer) detect(pos *position.Position, set *OrderSet) []Conflict {
	var conflicts []Conflict

	if len(set.Stops) > 1 {
		conflicts = append(conflicts, Conflict{
			Symbol:   pos.Symbol,
			Kind:     ConflictDuplicateStop,
			OrderIDs: orderIDs(set.Stops),
			Detail:   fmt.Sprintf("%d working stops, expected at most one", len(set.Stops)),
		})
	}
	if len(set.Targets) > 1 {
		conflicts = append(conflicts, Conflict{
			Symbol:   pos.Symbol,
			Kind:     ConflictDuplicateTarget,
			OrderIDs: orderIDs(set.Targets),
			Detail:   fmt.Sprintf("%d working take-profits, expected at most one", len(set.Targets)),
		})
	}
	if len(set.Others) > 0 {
		conflicts = append(conflicts, Conflict{
			Symbol:   pos.Symbol,
			Kind:     ConflictForeignOrder,
			OrderIDs: orderIDs(set.Others),
			Detail:   "working orders of unrecognized role on a protected symbol",
		})
	}
	// A full bracket holds the whole remaining quantity in each role at
	// once; the stop and the take-profit never fill together, so locking is
	// judged per role. Duplicates already over-lock by definition; report
	// overlocking on its own only when the keep-one rule has nothing to fix.
	if len(conflicts) == 0 {
		limit := pos.RemainingQuantity * 1.0001
		stopLocked, targetLocked := set.StopLockedQuantity(), set.TargetLockedQuantity()
		if stopLocked > limit || targetLocked > limit {
			conflicts = append(conflicts, Conflict{
				Symbol:   pos.Symbol,
				Kind:     ConflictOverlocked,
				OrderIDs: set.AllOrderIDs(),
				Detail: fmt.Sprintf("exit orders lock %.6f (stop) / %.6f (target) against %.6f remaining",
					stopLocked, targetLocked, pos.RemainingQuantity),
			})
		}
	}
	return conflicts
}

// resolveLocked repairs conflicts under the symbol lock. Duplicate stops keep
// the most protective one; duplicate targets keep the most favorable one.
// Anything the keep-one rule cannot settle falls back to cancelling every
// exit order, leaving the caller to recreate from a clean slate.
func (s *Sequencer) resolveLocked(ctx context.Context, pos *position.Position, set *OrderSet, conflicts []Conflict) (*OrderSet, error) {
	for _, c := range conflicts {
		s.logger.Warn().
			Str("symbol", pos.Symbol).
			Str("kind", string(c.Kind)).
			Str("detail", c.Detail).
			Msg("Order conflict detected")

		switch c.Kind {
		case ConflictDuplicateStop:
			keep := mostProtectiveStop(pos.Side, set.Stops)
			if err := s.cancelAllBut(ctx, pos.Symbol, set.Stops, keep.OrderID); err != nil {
				return nil, err
			}
			s.record(ctx, pos, events.ActionConflictResolved,
				fmt.Sprintf("kept most protective stop %d at %.4f, cancelled %d duplicates", keep.OrderID, keep.StopPrice, len(set.Stops)-1),
				events.ResultSuccess, c.OrderIDs)

		case ConflictDuplicateTarget:
			keep := mostFavorableTarget(pos.Side, set.Targets)
			if err := s.cancelAllBut(ctx, pos.Symbol, set.Targets, keep.OrderID); err != nil {
				return nil, err
			}
			s.record(ctx, pos, events.ActionConflictResolved,
				fmt.Sprintf("kept most favorable target %d at %.4f, cancelled %d duplicates", keep.OrderID, keep.StopPrice, len(set.Targets)-1),
				events.ResultSuccess, c.OrderIDs)

		default:
			// Overlocked or foreign orders: wipe and rebuild.
			if err := s.clearAndConfirm(ctx, pos.Symbol); err != nil {
				s.record(ctx, pos, events.ActionConflictResolved, "cancel-all resolution failed: "+err.Error(), events.ResultFailure, c.OrderIDs)
				return nil, err
			}
			s.record(ctx, pos, events.ActionConflictResolved,
				"unresolvable conflict ("+string(c.Kind)+"), cancelled all exits for rebuild",
				events.ResultSuccess, c.OrderIDs)
			return s.fetchFreshSet(ctx, pos.Symbol)
		}
	}
	return s.fetchFreshSet(ctx, pos.Symbol)
}

func (s *Sequencer) cancelAllBut(ctx context.Context, symbol string, orders []broker.Order, keepID int64) error {
	for _, o := range orders {
		if o.OrderID == keepID {
			continue
		}
		id := o.OrderID
		err := s.policy.Do(ctx, func() error {
			if cancelErr := s.client.CancelOrder(ctx, symbol, id); cancelErr != nil && !broker.IsUnknownOrder(cancelErr) {
				return classify("cancel_duplicate", cancelErr)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := s.awaitOrderGone(ctx, symbol, id); err != nil {
			return err
		}
	}
	return nil
}

// mostProtectiveStop is the stop closest to the market from the protective
// side: highest stop for a long, lowest for a short
func mostProtectiveStop(side position.Side, stops []broker.Order) broker.Order {
	best := stops[0]
	for _, o := range stops[1:] {
		if side == position.SideLong && o.StopPrice > best.StopPrice {
			best = o
		}
		if side == position.SideShort && o.StopPrice < best.StopPrice {
			best = o
		}
	}
	return best
}

// mostFavorableTarget realizes the most profit: highest target for a long,
// lowest for a short
func mostFavorableTarget(side position.Side, targets []broker.Order) broker.Order {
	best := targets[0]
	for _, o := range targets[1:] {
		if side == position.SideLong && o.StopPrice > best.StopPrice {
			best = o
		}
		if side == position.SideShort && o.StopPrice < best.StopPrice {
			best = o
		}
	}
	return best
}

func orderIDs(orders []broker.Order) []int64 {
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	return ids
}
