package sequencer

import (
	"time"

	"position-guardian/internal/broker"
)

// OrderSet is a snapshot of a symbol's protective orders, taken fresh from
// the broker. FetchedAt enforces the freshness contract: a snapshot older
// than the configured maximum never drives a mutation decision.
type OrderSet struct {
	Symbol    string
	Stops     []broker.Order // Working stop orders
	Targets   []broker.Order // Working take-profit orders
	Others    []broker.Order // Any other working exit orders for the symbol
	FetchedAt time.Time
}

// newOrderSet partitions a fresh open-order listing into protective roles
func newOrderSet(symbol string, orders []broker.Order) *OrderSet {
	set := &OrderSet{Symbol: symbol, FetchedAt: time.Now()}
	for _, o := range orders {
		if !broker.IsWorkingStatus(o.Status) {
			continue
		}
		switch {
		case o.IsStop():
			set.Stops = append(set.Stops, o)
		case o.IsTakeProfit():
			set.Targets = append(set.Targets, o)
		default:
			set.Others = append(set.Others, o)
		}
	}
	return set
}

// Fresh reports whether the snapshot is recent enough to act on
func (s *OrderSet) Fresh(maxAge time.Duration) bool {
	return time.Since(s.FetchedAt) <= maxAge
}

// ActiveStop returns the single working stop, or nil when there are zero or
// multiple (multiple stops are a conflict, resolved before acting)
func (s *OrderSet) ActiveStop() *broker.Order {
	if len(s.Stops) == 1 {
		return &s.Stops[0]
	}
	return nil
}

// ActiveTarget returns the single working take-profit, or nil
func (s *OrderSet) ActiveTarget() *broker.Order {
	if len(s.Targets) == 1 {
		return &s.Targets[0]
	}
	return nil
}

// WorkingCount returns the number of working exit orders in the snapshot
func (s *OrderSet) WorkingCount() int {
	return len(s.Stops) + len(s.Targets) + len(s.Others)
}

// StopLockedQuantity sums the unfilled quantity held by working stops
func (s *OrderSet) StopLockedQuantity() float64 {
	return lockedQty(s.Stops)
}

// TargetLockedQuantity sums the unfilled quantity held by working take-profits
func (s *OrderSet) TargetLockedQuantity() float64 {
	return lockedQty(s.Targets)
}

func lockedQty(orders []broker.Order) float64 {
	var sum float64
	for _, o := range orders {
		sum += o.RemainingQty()
	}
	return sum
}

// AllOrderIDs returns every order ID in the snapshot
func (s *OrderSet) AllOrderIDs() []int64 {
	ids := make([]int64, 0, s.WorkingCount())
	for _, o := range s.Stops {
		ids = append(ids, o.OrderID)
	}
	for _, o := range s.Targets {
		ids = append(ids, o.OrderID)
	}
	for _, o := range s.Others {
		ids = append(ids, o.OrderID)
	}
	return ids
}
