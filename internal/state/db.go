package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"

	"github.com/miko-network/keeper/internal/config"
	"github.com/miko-network/keeper/internal/logger"
)

// Store owns the keeper's durable state: rollover rows, fee finality, the
// cycle counter and cycle snapshots.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(cfg config.DBConfig) (*Store, error) {
	psqlInfo := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.GetForComponent("state")}
	s.logger.Info().Msg("Successfully connected to the PostgreSQL database!")
	return s, nil
}

// OpenWithDB wraps an existing connection pool. Used by tests.
func OpenWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: logger.GetForComponent("state")}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.db != nil {
		s.logger.Info().Msg("Closing database connection...")
		if err := s.db.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Error closing database connection")
		}
	}
}

// EnsureSchema applies the necessary DDL to create tables if they don't exist.
func (s *Store) EnsureSchema() error {
	schemaSQL := `
		-- Rollover is kept per reward asset; a cycle only folds in the row
		-- matching its active reward asset.
		CREATE TABLE IF NOT EXISTS rollover_state (
			reward_asset VARCHAR(64) PRIMARY KEY,
			amount NUMERIC(30, 0) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Fee finality marker. Once set the schedule engine stops touching
		-- the ledger.
		CREATE TABLE IF NOT EXISTS fee_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			finalized BOOLEAN NOT NULL DEFAULT FALSE,
			finalized_at TIMESTAMPTZ,
			CONSTRAINT fee_state_single_row CHECK (id = 1)
		);
		INSERT INTO fee_state (id, finalized)
		VALUES (1, FALSE)
		ON CONFLICT (id) DO NOTHING;

		-- Cycle counter table for persistent global cycle tracking
		CREATE TABLE IF NOT EXISTS cycle_counter (
			id INTEGER PRIMARY KEY DEFAULT 1,
			current_cycle INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT single_row_check CHECK (id = 1)
		);
		INSERT INTO cycle_counter (id, current_cycle)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING;

		CREATE TABLE IF NOT EXISTS cycle_snapshots (
			snapshot_id SERIAL PRIMARY KEY,
			cycle_number INTEGER NOT NULL,
			cycle_id VARCHAR(64) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			fee_rate_bps INTEGER NOT NULL,
			fee_finalized BOOLEAN NOT NULL,
			accumulated_fees NUMERIC(30, 0) NOT NULL DEFAULT 0,
			harvest_ran BOOLEAN NOT NULL DEFAULT FALSE,
			failed_stage VARCHAR(32),
			tx_signatures TEXT[],
			snapshot JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_started ON cycle_snapshots(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_cycle_snapshots_cycle ON cycle_snapshots(cycle_number DESC);
	`
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema DDL: %w", err)
	}
	s.logger.Info().Msg("Database schema ensured.")
	return nil
}

// Ping tests if the database connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
