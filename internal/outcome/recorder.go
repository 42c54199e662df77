// Package outcome implements the Outcome Recorder (C11): it subscribes
// to the event bus for terminal position transitions and converts each
// one into exactly one persisted TradeResult, keyed by (userID,
// signalID) so a redelivered event is a no-op rather than a duplicate
// row. Grounded on internal/database/repository.go's CreateTrade/
// UpdateTrade idempotent-write shape.
package outcome

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-core/internal/correlation"
	"futures-signal-core/internal/events"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

// Recorder owns the idempotency guard for TradeResult writes.
type Recorder struct {
	persistence ports.PersistencePort
	correl      *correlation.Manager
	logger      zerolog.Logger

	mu      sync.Mutex
	written map[string]struct{} // (userID, signalID) keys already recorded this process
}

// New builds a Recorder and subscribes it to the given bus. The bus
// reference is held only for the duration of Subscribe; the Recorder
// keeps no other bus state, matching the no-hidden-globals redesign of
// internal/events. correl is released from its open-position registry
// for the closed position's (userID, symbol, side) on every delivery,
// even a repeat one — RecordClose is idempotent on an already-closed
// position (no matching entry left to remove).
func New(persistence ports.PersistencePort, correl *correlation.Manager, bus *events.Bus, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		persistence: persistence,
		correl:      correl,
		logger:      logger.With().Str("component", "outcome.Recorder").Logger(),
		written:     make(map[string]struct{}),
	}
	bus.Subscribe(events.TypePositionClosed, r.onPositionClosed)
	return r
}

func resultKey(userID, signalID string) string { return userID + "|" + signalID }

func (r *Recorder) onPositionClosed(e events.Event) {
	pos, ok := e.Data.(model.Position)
	if !ok {
		return
	}
	if r.correl != nil {
		r.correl.RecordClose(pos.UserID, pos.Symbol, pos.Side)
	}
	if err := r.Record(context.Background(), pos); err != nil {
		r.logger.Error().Err(err).Str("signal_id", pos.SignalID).Msg("failed to record trade result")
	}
}

// Record converts a terminal Position into a TradeResult and persists
// it. Safe to call more than once for the same position: the second
// call is a no-op.
func (r *Recorder) Record(ctx context.Context, pos model.Position) error {
	key := resultKey(pos.UserID, pos.SignalID)

	r.mu.Lock()
	if _, seen := r.written[key]; seen {
		r.mu.Unlock()
		return nil
	}
	r.written[key] = struct{}{}
	r.mu.Unlock()

	result := buildTradeResult(pos)
	if err := r.persistence.SaveTradeResult(ctx, result); err != nil {
		// Allow a future retry: don't poison the idempotency set on a
		// failed write.
		r.mu.Lock()
		delete(r.written, key)
		r.mu.Unlock()
		return err
	}
	return nil
}

func buildTradeResult(pos model.Position) model.TradeResult {
	exitPrice := exitPriceFor(pos)
	pnlPct := pnlPercent(pos, exitPrice)
	return model.TradeResult{
		UserID:              pos.UserID,
		SignalID:            pos.SignalID,
		Symbol:              pos.Symbol,
		PatternType:         pos.PatternType,
		Side:                pos.Side,
		EntryPrice:          pos.Entry,
		ExitPrice:           exitPrice,
		PnLPct:              pnlPct,
		IsWinner:            pnlPct > 0,
		DurationHours:       pos.LastUpdate.Sub(pos.OpenedAt).Hours(),
		AIScore:             pos.AIScore,
		MarketRegime:        pos.MarketRegime,
		CompositeScore:      pos.CompositeScore,
		CompositeConfidence: pos.CompositeConfidence,
		VolumeUSD:           pos.VolumeUSD,
		VolatilityPct:       pos.VolatilityPct,
		ClosedAt:            closedAt(pos),
	}
}

// exitPriceFor approximates the realized exit price from the recorded
// stop/target levels, since the Lifecycle Manager does not carry a
// separate fill-price field for every closing tick.
func exitPriceFor(pos model.Position) float64 {
	switch pos.Status {
	case model.StatusClosedSL:
		return pos.SL
	case model.StatusClosedTP:
		return pos.TP2
	default:
		return pos.SL
	}
}

func pnlPercent(pos model.Position, exitPrice float64) float64 {
	if pos.Entry == 0 {
		return 0
	}
	dir := 1.0
	if pos.Side == model.Short {
		dir = -1.0
	}
	return dir * (exitPrice - pos.Entry) / pos.Entry * 100
}

func closedAt(pos model.Position) time.Time {
	if !pos.LastUpdate.IsZero() {
		return pos.LastUpdate
	}
	return time.Now()
}
