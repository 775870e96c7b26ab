package monitor

import (
	"time"

	"position-guardian/internal/position"
)

// SymbolSummary is the per-position protection snapshot served by the API
type SymbolSummary struct {
	Symbol             string    `json:"symbol"`
	Side               string    `json:"side"`
	State              string    `json:"state"`
	Protected          bool      `json:"protected"`
	InGraceWindow      bool      `json:"in_grace_window"`
	Unprotected        bool      `json:"unprotected"`
	UnprotectedReason  string    `json:"unprotected_reason,omitempty"`
	EntryPrice         float64   `json:"entry_price"`
	CurrentPrice       float64   `json:"current_price"`
	RMultiple          float64   `json:"r_multiple"`
	RUnit              float64   `json:"r_unit"`
	RemainingQuantity  float64   `json:"remaining_quantity"`
	FilledPercent      float64   `json:"filled_percent"`
	ConfirmedStopPrice float64   `json:"confirmed_stop_price,omitempty"`
	TargetPrice        float64   `json:"target_price,omitempty"`
	UnrealizedPnL      float64   `json:"unrealized_pnl"`
	StopOrderID        int64     `json:"stop_order_id,omitempty"`
	HealAttempts       int       `json:"heal_attempts,omitempty"`
	LastVerifiedAt     time.Time `json:"last_verified_at"`
	OpenedAt           time.Time `json:"opened_at"`
}

// SummaryReport carries every per-position snapshot plus fleet-level counts
type SummaryReport struct {
	ProtectedCount   int             `json:"protected_count"`
	UnprotectedCount int             `json:"unprotected_count"`
	FailedCount      int             `json:"failed_count"`
	Positions        []SymbolSummary `json:"positions"`
}

// IsProtected reports whether the symbol currently carries confirmed stop
// protection. A position inside the post-recreation grace window counts as
// protected even though its new orders may not be visible yet.
func (m *Monitor) IsProtected(symbol string) bool {
	pos, err := m.tracker.Get(symbol)
	if err != nil {
		return false
	}
	return protected(pos, time.Now())
}

func protected(pos *position.Position, now time.Time) bool {
	if pos.Closed() {
		return false
	}
	if pos.InGraceWindow(now) {
		return true
	}
	return !pos.Unprotected && pos.StopOrderID != 0 && pos.ConfirmedStopPrice != 0
}

// Summary returns protection snapshots for every tracked position with
// aggregate counts. A position counts as failed when its protection has been
// flagged lost, and as unprotected whenever no confirmed stop covers it.
func (m *Monitor) Summary() SummaryReport {
	positions := m.tracker.All()
	now := time.Now()
	report := SummaryReport{Positions: make([]SymbolSummary, 0, len(positions))}
	for _, pos := range positions {
		s := summarize(pos, now)
		if s.Protected {
			report.ProtectedCount++
		} else {
			report.UnprotectedCount++
		}
		if s.Unprotected {
			report.FailedCount++
		}
		report.Positions = append(report.Positions, s)
	}
	return report
}

// SummaryFor returns the protection snapshot for one symbol
func (m *Monitor) SummaryFor(symbol string) (SymbolSummary, error) {
	pos, err := m.tracker.Get(symbol)
	if err != nil {
		return SymbolSummary{}, err
	}
	return summarize(pos, time.Now()), nil
}

func summarize(pos *position.Position, now time.Time) SymbolSummary {
	s := SymbolSummary{
		Symbol:             pos.Symbol,
		Side:               string(pos.Side),
		State:              string(pos.State),
		Protected:          protected(pos, now),
		InGraceWindow:      pos.InGraceWindow(now),
		Unprotected:        pos.Unprotected,
		UnprotectedReason:  pos.UnprotectedReason,
		EntryPrice:         pos.EntryPrice,
		CurrentPrice:       pos.CurrentPrice,
		RMultiple:          pos.RMultiple,
		RUnit:              pos.RUnit,
		RemainingQuantity:  pos.RemainingQuantity,
		ConfirmedStopPrice: pos.ConfirmedStopPrice,
		TargetPrice:        pos.TargetPrice,
		UnrealizedPnL:      pos.UnrealizedPnL,
		StopOrderID:        pos.StopOrderID,
		HealAttempts:       pos.HealAttempts,
		LastVerifiedAt:     pos.LastVerifiedAt,
		OpenedAt:           pos.OpenedAt,
	}
	if pos.Allocation != nil {
		s.FilledPercent = pos.Allocation.FilledPercent(pos.TotalQuantity)
	}
	return s
}
