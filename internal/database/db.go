package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(connString string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			initial_stop_price DECIMAL(20, 8) NOT NULL,
			r_unit DECIMAL(20, 8) NOT NULL,
			total_quantity DECIMAL(20, 8) NOT NULL,
			remaining_quantity DECIMAL(20, 8) NOT NULL,
			state VARCHAR(30) NOT NULL,
			unprotected BOOLEAN NOT NULL DEFAULT FALSE,
			unprotected_reason TEXT,
			confirmed_stop_price DECIMAL(20, 8),
			stop_order_id BIGINT,
			target_order_id BIGINT,
			target_price DECIMAL(20, 8),
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,

		`CREATE TABLE IF NOT EXISTS protection_events (
			id UUID PRIMARY KEY,
			position_id VARCHAR(64) NOT NULL,
			sequence_number BIGINT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(30) NOT NULL,
			reason TEXT,
			result VARCHAR(20) NOT NULL,
			order_ids BIGINT[],
			occurred_at TIMESTAMP NOT NULL,
			UNIQUE (position_id, sequence_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_protection_events_symbol ON protection_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_protection_events_position ON protection_events(position_id)`,
		`CREATE INDEX IF NOT EXISTS idx_protection_events_occurred ON protection_events(occurred_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations complete")
	return nil
}
