// Package database persists users, sessions and signal history in
// PostgreSQL and snapshots learner state through Redis. All writes off
// the signal path are fire-and-forget.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool

	logger zerolog.Logger
}

// NewDB connects to PostgreSQL using a connection URL.
func NewDB(databaseURL string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
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
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Msg("PostgreSQL connected")
	return &DB{Pool: pool, logger: log}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the schema. Statements are idempotent; schema
// versioning is managed externally.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			chat_id VARCHAR(64) NOT NULL UNIQUE,
			timezone VARCHAR(64),
			confidence_filter INT DEFAULT 0,
			accepted_terms BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			session_id VARCHAR(128) NOT NULL UNIQUE,
			chat_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			timeframe BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ,
			wins INT DEFAULT 0,
			losses INT DEFAULT 0,
			total_signals INT DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_chat ON sessions(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,

		`CREATE TABLE IF NOT EXISTS signal_logs (
			id UUID PRIMARY KEY,
			session_id VARCHAR(128) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			timeframe BIGINT NOT NULL,
			direction VARCHAR(16) NOT NULL,
			confidence DECIMAL(6, 2) NOT NULL,
			p_up DECIMAL(8, 6),
			votes JSONB,
			volatility_override BOOLEAN DEFAULT FALSE,
			reason TEXT,
			candle_close_time BIGINT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_logs_session ON signal_logs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_logs_created ON signal_logs(created_at)`,

		`CREATE TABLE IF NOT EXISTS candle_logs (
			id UUID PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			timeframe BIGINT NOT NULL,
			start_epoch BIGINT NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			tick_count INT NOT NULL,
			UNIQUE (symbol, timeframe, start_epoch)
		)`,

		`CREATE TABLE IF NOT EXISTS volatility_history (
			id UUID PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			score DECIMAL(6, 4) NOT NULL,
			is_stable BOOLEAN NOT NULL,
			severity VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_volatility_symbol ON volatility_history(symbol)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("Migrations complete")
	return nil
}
