package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"position-guardian/internal/events"
	"position-guardian/internal/position"
)

// Repository provides data access methods. It implements events.Store so the
// protection log can persist its audit trail.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// PROTECTION EVENTS
// ============================================================================

// SaveEvent appends a protection event to the audit log
func (r *Repository) SaveEvent(ctx context.Context, event *events.ProtectionEvent) error {
	query := `
		INSERT INTO protection_events (id, position_id, sequence_number, symbol, action, reason, result, order_ids, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (position_id, sequence_number) DO NOTHING
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		event.ID, event.PositionID, event.Sequence, event.Symbol,
		string(event.Action), event.Reason, string(event.Result),
		event.OrderIDs, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save protection event: %w", err)
	}
	return nil
}

// GetEventsBySymbol returns the most recent protection events for a symbol
func (r *Repository) GetEventsBySymbol(ctx context.Context, symbol string, limit int) ([]events.ProtectionEvent, error) {
	query := `
		SELECT id, position_id, sequence_number, symbol, action, reason, result, order_ids, occurred_at
		FROM protection_events
		WHERE symbol = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query protection events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsSince returns all protection events recorded after a cutoff
func (r *Repository) GetEventsSince(ctx context.Context, since time.Time) ([]events.ProtectionEvent, error) {
	query := `
		SELECT id, position_id, sequence_number, symbol, action, reason, result, order_ids, occurred_at
		FROM protection_events
		WHERE occurred_at >= $1
		ORDER BY occurred_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query protection events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]events.ProtectionEvent, error) {
	var out []events.ProtectionEvent
	for rows.Next() {
		var e events.ProtectionEvent
		var action, result string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Sequence, &e.Symbol, &action, &e.Reason, &result, &e.OrderIDs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan protection event: %w", err)
		}
		e.Action = events.Action(action)
		e.Result = events.Result(result)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

// SavePosition upserts a tracked position's durable state
func (r *Repository) SavePosition(ctx context.Context, pos *position.Position) error {
	query := `
		INSERT INTO positions (id, symbol, side, entry_price, initial_stop_price, r_unit,
			total_quantity, remaining_quantity, state, unprotected, unprotected_reason,
			confirmed_stop_price, stop_order_id, target_order_id, target_price, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (id) DO UPDATE SET
			remaining_quantity = EXCLUDED.remaining_quantity,
			state = EXCLUDED.state,
			unprotected = EXCLUDED.unprotected,
			unprotected_reason = EXCLUDED.unprotected_reason,
			confirmed_stop_price = EXCLUDED.confirmed_stop_price,
			stop_order_id = EXCLUDED.stop_order_id,
			target_order_id = EXCLUDED.target_order_id,
			target_price = EXCLUDED.target_price,
			updated_at = NOW()
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		pos.ID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.InitialStopPrice, pos.RUnit,
		pos.TotalQuantity, pos.RemainingQuantity, string(pos.State), pos.Unprotected, pos.UnprotectedReason,
		pos.ConfirmedStopPrice, pos.StopOrderID, pos.TargetOrderID, pos.TargetPrice, pos.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// ClosePosition stamps a position closed
func (r *Repository) ClosePosition(ctx context.Context, id string) error {
	query := `UPDATE positions SET remaining_quantity = 0, closed_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// GetOpenPositions loads positions that still have quantity outstanding
func (r *Repository) GetOpenPositions(ctx context.Context) ([]position.Position, error) {
	query := `
		SELECT id, symbol, side, entry_price, initial_stop_price, r_unit,
			total_quantity, remaining_quantity, state, unprotected,
			COALESCE(unprotected_reason, ''), COALESCE(confirmed_stop_price, 0),
			COALESCE(stop_order_id, 0), COALESCE(target_order_id, 0),
			COALESCE(target_price, 0), opened_at
		FROM positions
		WHERE remaining_quantity > 0 AND closed_at IS NULL
		ORDER BY opened_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var p position.Position
		var side, state string
		if err := rows.Scan(&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.InitialStopPrice, &p.RUnit,
			&p.TotalQuantity, &p.RemainingQuantity, &state, &p.Unprotected,
			&p.UnprotectedReason, &p.ConfirmedStopPrice,
			&p.StopOrderID, &p.TargetOrderID, &p.TargetPrice, &p.OpenedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Side = position.Side(side)
		p.State = position.State(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition loads one position by ID
func (r *Repository) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	query := `
		SELECT id, symbol, side, entry_price, initial_stop_price, r_unit,
			total_quantity, remaining_quantity, state, unprotected,
			COALESCE(unprotected_reason, ''), COALESCE(confirmed_stop_price, 0),
			COALESCE(stop_order_id, 0), COALESCE(target_order_id, 0),
			COALESCE(target_price, 0), opened_at
		FROM positions
		WHERE id = $1
	`
	var p position.Position
	var side, state string
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.InitialStopPrice, &p.RUnit,
		&p.TotalQuantity, &p.RemainingQuantity, &state, &p.Unprotected,
		&p.UnprotectedReason, &p.ConfirmedStopPrice,
		&p.StopOrderID, &p.TargetOrderID, &p.TargetPrice, &p.OpenedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, position.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	p.Side = position.Side(side)
	p.State = position.State(state)
	return &p, nil
}

// Compile-time interface check
var _ events.Store = (*Repository)(nil)
