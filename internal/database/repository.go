package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

// Repository implements ports.PersistencePort and
// adaptive.TradeResultSource over a single Postgres pool.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func (r *Repository) SaveSignal(ctx context.Context, s model.EmittedSignal) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO emitted_signals
			(signal_id, user_id, symbol, side, entry, sl, tp1, tp2, size_usdt, leverage,
			 pattern_type, market_regime, composite_score, composite_confidence, message_ref, candle_t)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (signal_id) DO NOTHING
	`, s.SignalID, s.UserID, s.Symbol, s.Side, s.Entry, s.SL, s.TP1, s.TP2, s.SizeUSDT, s.Leverage,
		s.PatternType, s.RegimeAtGen, s.CompositeScore, s.CompositeConfidence, s.MessageRef, s.CandleT)
	return err
}

func (r *Repository) LoadOpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id, signal_id, symbol, side, entry, atr, size_usdt, remaining_size,
		       sl, tp1, tp2, tp1_hit, trailing_active, high_water_mark, opened_at, last_update,
		       status, message_ref, pattern_type, raw_score, market_regime, composite_score,
		       composite_confidence, volume_usd, volatility_pct
		FROM positions
		WHERE user_id = $1 AND status NOT IN ('CLOSED_TP', 'CLOSED_SL', 'CLOSED_MANUAL')
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("database: load open positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	err := row.Scan(
		&p.UserID, &p.SignalID, &p.Symbol, &p.Side, &p.Entry, &p.ATR, &p.SizeUSDT, &p.RemainingSize,
		&p.SL, &p.TP1, &p.TP2, &p.TP1Hit, &p.TrailingActive, &p.HighWaterMark, &p.OpenedAt, &p.LastUpdate,
		&p.Status, &p.MessageRef, &p.PatternType, &p.RawScore, &p.MarketRegime, &p.CompositeScore,
		&p.CompositeConfidence, &p.VolumeUSD, &p.VolatilityPct,
	)
	return p, err
}

func (r *Repository) SavePosition(ctx context.Context, p model.Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions
			(user_id, signal_id, symbol, side, entry, atr, size_usdt, remaining_size,
			 sl, tp1, tp2, tp1_hit, trailing_active, high_water_mark, opened_at, last_update,
			 status, message_ref, pattern_type, raw_score, market_regime, composite_score,
			 composite_confidence, volume_usd, volatility_pct)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
		ON CONFLICT (user_id, signal_id) DO UPDATE SET
			remaining_size = EXCLUDED.remaining_size,
			sl = EXCLUDED.sl,
			tp1_hit = EXCLUDED.tp1_hit,
			trailing_active = EXCLUDED.trailing_active,
			high_water_mark = EXCLUDED.high_water_mark,
			last_update = EXCLUDED.last_update,
			status = EXCLUDED.status
	`, p.UserID, p.SignalID, p.Symbol, p.Side, p.Entry, p.ATR, p.SizeUSDT, p.RemainingSize,
		p.SL, p.TP1, p.TP2, p.TP1Hit, p.TrailingActive, p.HighWaterMark, p.OpenedAt, p.LastUpdate,
		p.Status, p.MessageRef, p.PatternType, p.RawScore, p.MarketRegime, p.CompositeScore,
		p.CompositeConfidence, p.VolumeUSD, p.VolatilityPct)
	return err
}

func (r *Repository) SaveTradeResult(ctx context.Context, tr model.TradeResult) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_results
			(user_id, signal_id, symbol, pattern_type, side, entry_price, exit_price, pnl_pct,
			 is_winner, duration_hours, ai_score, market_regime, composite_score, composite_confidence,
			 volume_usd, volatility_pct, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (user_id, signal_id) DO NOTHING
	`, tr.UserID, tr.SignalID, tr.Symbol, tr.PatternType, tr.Side, tr.EntryPrice, tr.ExitPrice, tr.PnLPct,
		tr.IsWinner, tr.DurationHours, tr.AIScore, tr.MarketRegime, tr.CompositeScore, tr.CompositeConfidence,
		tr.VolumeUSD, tr.VolatilityPct, tr.ClosedAt)
	return err
}

// RecentTradeResults implements adaptive.TradeResultSource.
func (r *Repository) RecentTradeResults(ctx context.Context, since time.Time) ([]model.TradeResult, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT user_id, signal_id, symbol, pattern_type, side, entry_price, exit_price, pnl_pct,
		       is_winner, duration_hours, ai_score, market_regime, composite_score, composite_confidence,
		       volume_usd, volatility_pct, closed_at
		FROM trade_results
		WHERE closed_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("database: recent trade results: %w", err)
	}
	defer rows.Close()

	var out []model.TradeResult
	for rows.Next() {
		var tr model.TradeResult
		if err := rows.Scan(
			&tr.UserID, &tr.SignalID, &tr.Symbol, &tr.PatternType, &tr.Side, &tr.EntryPrice, &tr.ExitPrice, &tr.PnLPct,
			&tr.IsWinner, &tr.DurationHours, &tr.AIScore, &tr.MarketRegime, &tr.CompositeScore, &tr.CompositeConfidence,
			&tr.VolumeUSD, &tr.VolatilityPct, &tr.ClosedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (r *Repository) PublishParameterSnapshot(ctx context.Context, snap *model.ParameterSnapshot) error {
	thresholdJSON, err := json.Marshal(snap.ThresholdMult)
	if err != nil {
		return fmt.Errorf("database: marshal threshold_mult: %w", err)
	}
	weightsJSON, err := json.Marshal(snap.StrategyWeights)
	if err != nil {
		return fmt.Errorf("database: marshal strategy_weights: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO parameter_snapshots (version, as_of, threshold_mult, strategy_weights, min_composite_confidence, quality_min)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (version) DO NOTHING
	`, snap.Version, snap.AsOf, thresholdJSON, weightsJSON, snap.MinCompositeConfidence, snap.QualityMin)
	return err
}

func (r *Repository) LoadParameterSnapshot(ctx context.Context) (*model.ParameterSnapshot, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT version, as_of, threshold_mult, strategy_weights, min_composite_confidence, quality_min
		FROM parameter_snapshots
		ORDER BY version DESC
		LIMIT 1
	`)

	var snap model.ParameterSnapshot
	var thresholdJSON, weightsJSON []byte
	if err := row.Scan(&snap.Version, &snap.AsOf, &thresholdJSON, &weightsJSON, &snap.MinCompositeConfidence, &snap.QualityMin); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("database: load parameter snapshot: %w", err)
	}

	if err := json.Unmarshal(thresholdJSON, &snap.ThresholdMult); err != nil {
		return nil, fmt.Errorf("database: unmarshal threshold_mult: %w", err)
	}
	if err := json.Unmarshal(weightsJSON, &snap.StrategyWeights); err != nil {
		return nil, fmt.Errorf("database: unmarshal strategy_weights: %w", err)
	}
	return &snap, nil
}

func (r *Repository) RecordCorrelationEvent(ctx context.Context, userID, symbol string, side model.Side, decision, reason string, at time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO correlation_events (user_id, symbol, side, decision, reason, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, userID, symbol, side, decision, reason, at)
	return err
}

var _ ports.PersistencePort = (*Repository)(nil)
