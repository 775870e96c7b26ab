package position

import "time"

// LotStatus represents the lifecycle of one scale-out lot
type LotStatus string

const (
	LotPending LotStatus = "pending"
	LotFilled  LotStatus = "filled"
	LotFailed  LotStatus = "failed"
)

// Lot is one planned scale-out: a percentage of the original position to be
// sold once the position reaches the target R-multiple
type Lot struct {
	TargetR   float64   `json:"target_r_multiple"`
	Percent   float64   `json:"percentage_of_original"`
	Status    LotStatus `json:"status"`
	FillPrice float64   `json:"fill_price,omitempty"`
	FillQty   float64   `json:"fill_qty,omitempty"`
	FilledAt  time.Time `json:"filled_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Final reports whether this lot closes out the remainder of the position
func (l *Lot) Final() bool {
	return l.Percent <= 0 // Remainder lots carry no fixed percentage
}

// Allocation is the scale-out plan for a position. The invariant is that
// filled lot percentages plus the remaining fraction always account for 100%
// of the original size.
type Allocation struct {
	Lots []*Lot `json:"lots"`
}

// NewAllocation builds the default ladder: a partial exit, an advanced exit,
// and a final lot that closes whatever remains (Percent 0 marks it).
func NewAllocation(partialR, partialPct, advancedR, advancedPct, finalR float64) *Allocation {
	return &Allocation{
		Lots: []*Lot{
			{TargetR: partialR, Percent: partialPct, Status: LotPending},
			{TargetR: advancedR, Percent: advancedPct, Status: LotPending},
			{TargetR: finalR, Percent: 0, Status: LotPending},
		},
	}
}

// NextEligible returns the first pending or failed lot whose threshold the
// current R-multiple has crossed, or nil. Filled lots are never returned, so
// evaluating the same state twice cannot schedule a second exit.
func (a *Allocation) NextEligible(rMultiple float64) *Lot {
	for _, lot := range a.Lots {
		if lot.Status == LotFilled {
			continue
		}
		if rMultiple >= lot.TargetR {
			return lot
		}
		// Lots are ordered by threshold; the first uncrossed one ends the scan
		return nil
	}
	return nil
}

// LotAt returns the lot with the given threshold, or nil
func (a *Allocation) LotAt(targetR float64) *Lot {
	for _, lot := range a.Lots {
		if lot.TargetR == targetR {
			return lot
		}
	}
	return nil
}

// FilledPercent returns the share of the original position already realized.
// A filled final lot carries no planned percentage, so its contribution is
// derived from the confirmed fill quantity against the original size.
func (a *Allocation) FilledPercent(totalQuantity float64) float64 {
	var sum float64
	for _, lot := range a.Lots {
		if lot.Status != LotFilled {
			continue
		}
		if lot.Final() && totalQuantity > 0 {
			sum += lot.FillQty / totalQuantity * 100
		} else {
			sum += lot.Percent
		}
	}
	return sum
}

// MarkFilled records a confirmed fill on a lot
func (a *Allocation) MarkFilled(lot *Lot, price, qty float64, at time.Time) {
	lot.Status = LotFilled
	lot.FillPrice = price
	lot.FillQty = qty
	lot.FilledAt = at
	lot.LastError = ""
}

// MarkFailed records a failed exit attempt; the lot stays eligible so the
// next cycle can retry under the error handler's policy
func (a *Allocation) MarkFailed(lot *Lot, reason string) {
	lot.Status = LotFailed
	lot.LastError = reason
}
