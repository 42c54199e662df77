// Package database implements ports.PersistencePort and
// adaptive.TradeResultSource over PostgreSQL via pgx. Table layout
// follows the persisted-state shape of an emitted signal, a live
// position, a closed trade result, and the current parameter snapshot.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"futures-signal-core/internal/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB opens a pool against cfg.DSN and verifies connectivity.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: parse dsn: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}
	db.logger.Info().Msg("connected to postgres")
	return db, nil
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the engine's tables if they don't already exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS emitted_signals (
			signal_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry DOUBLE PRECISION NOT NULL,
			sl DOUBLE PRECISION NOT NULL,
			tp1 DOUBLE PRECISION NOT NULL,
			tp2 DOUBLE PRECISION NOT NULL,
			size_usdt DOUBLE PRECISION NOT NULL,
			leverage INT NOT NULL,
			pattern_type VARCHAR(50),
			market_regime VARCHAR(20),
			composite_score DOUBLE PRECISION,
			composite_confidence DOUBLE PRECISION,
			message_ref TEXT,
			candle_t TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emitted_signals_user ON emitted_signals(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_emitted_signals_symbol ON emitted_signals(symbol)`,

		`CREATE TABLE IF NOT EXISTS positions (
			user_id TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry DOUBLE PRECISION NOT NULL,
			atr DOUBLE PRECISION NOT NULL,
			size_usdt DOUBLE PRECISION NOT NULL,
			remaining_size DOUBLE PRECISION NOT NULL,
			sl DOUBLE PRECISION NOT NULL,
			tp1 DOUBLE PRECISION NOT NULL,
			tp2 DOUBLE PRECISION NOT NULL,
			tp1_hit BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			high_water_mark DOUBLE PRECISION NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			last_update TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL,
			message_ref TEXT,
			pattern_type VARCHAR(50),
			raw_score DOUBLE PRECISION,
			market_regime VARCHAR(20),
			composite_score DOUBLE PRECISION,
			composite_confidence DOUBLE PRECISION,
			volume_usd DOUBLE PRECISION,
			volatility_pct DOUBLE PRECISION,
			PRIMARY KEY (user_id, signal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,

		`CREATE TABLE IF NOT EXISTS trade_results (
			user_id TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			pattern_type VARCHAR(50),
			side VARCHAR(5) NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION NOT NULL,
			pnl_pct DOUBLE PRECISION NOT NULL,
			is_winner BOOLEAN NOT NULL,
			duration_hours DOUBLE PRECISION NOT NULL,
			ai_score DOUBLE PRECISION,
			market_regime VARCHAR(20),
			composite_score DOUBLE PRECISION,
			composite_confidence DOUBLE PRECISION,
			volume_usd DOUBLE PRECISION,
			volatility_pct DOUBLE PRECISION,
			closed_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, signal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_results_closed_at ON trade_results(closed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_results_regime_pattern ON trade_results(market_regime, pattern_type)`,

		`CREATE TABLE IF NOT EXISTS parameter_snapshots (
			version BIGINT PRIMARY KEY,
			as_of TIMESTAMPTZ NOT NULL,
			threshold_mult JSONB NOT NULL,
			strategy_weights JSONB NOT NULL,
			min_composite_confidence DOUBLE PRECISION NOT NULL,
			quality_min DOUBLE PRECISION NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS correlation_events (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			decision VARCHAR(20) NOT NULL,
			reason VARCHAR(50) NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlation_events_user ON correlation_events(user_id, at DESC)`,
	}

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("database: migration %d: %w", i+1, err)
		}
	}
	return nil
}
