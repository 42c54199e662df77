// Package lifecycle implements the Position Lifecycle Manager (C10): the
// trailing-stop and partial-take-profit state machine driven by a
// periodic tick over every OPEN position. Grounded directly on
// internal/orders/position_tracker.go (cache+repo dual layer,
// single-writer-per-position discipline via a keyed lock) and
// internal/risk/trailing_stop.go (monotonic stop math, activation
// threshold, high/low-water-mark tracking).
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-core/internal/events"
	"futures-signal-core/internal/model"
	"futures-signal-core/internal/ports"
)

// Config holds the trailing-stop and partial-TP parameters (§6
// Lifecycle config).
type Config struct {
	ActivationMinProfitPct float64
	KTrail                 float64
	MinTrailDistancePct    float64
	MaxTrailDistancePct    float64
	BreakevenOffsetPct     float64
	TP1SplitPct            float64 // percent, e.g. 50 means close 50%
	MinPartialSizeUSDT     float64
}

// Manager owns Position mutation exclusively. Every call to Evaluate for
// a given (userID, signalID) is serialized by a per-position lock so two
// concurrent ticks can never race the same position.
type Manager struct {
	persistence ports.PersistencePort
	notifier    ports.NotificationPort
	bus         *events.Bus
	logger      zerolog.Logger
	cfg         Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Manager.
func New(persistence ports.PersistencePort, notifier ports.NotificationPort, bus *events.Bus, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		persistence: persistence,
		notifier:    notifier,
		bus:         bus,
		cfg:         cfg,
		logger:      logger.With().Str("component", "lifecycle.Manager").Logger(),
		locks:       make(map[string]*sync.Mutex),
	}
}

func positionKey(userID, signalID string) string { return userID + "|" + signalID }

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lk, ok := m.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[key] = lk
	}
	return lk
}

// Evaluate advances one position's state machine given the current
// price and the tick's RegimeSnapshot. It is a no-op once the position
// is already terminal (idempotence after close). Persists the updated
// position, publishes a bus event on every transition, and best-effort
// dispatches a lifecycle patch through the NotificationPort — dispatch
// failure never rolls back the state change.
func (m *Manager) Evaluate(ctx context.Context, pos model.Position, price float64, regime *model.RegimeSnapshot, now time.Time) (model.Position, error) {
	key := positionKey(pos.UserID, pos.SignalID)
	lk := m.lockFor(key)
	lk.Lock()
	defer lk.Unlock()

	if pos.Status.IsTerminal() {
		return pos, nil
	}

	updated := pos
	updated.LastUpdate = now

	dir := 1.0
	if pos.Side == model.Short {
		dir = -1.0
	}

	slHit := (dir == 1 && price <= pos.SL) || (dir == -1 && price >= pos.SL)
	tp2Hit := (dir == 1 && price >= pos.TP2) || (dir == -1 && price <= pos.TP2)
	partialEnabled := pos.RemainingSize >= m.cfg.MinPartialSizeUSDT
	tp1Hit := !pos.TP1Hit && partialEnabled && ((dir == 1 && price >= pos.TP1) || (dir == -1 && price <= pos.TP1))

	var patch ports.LifecyclePatch
	var eventType events.Type

	switch {
	case slHit:
		updated.Status = model.StatusClosedSL
		updated.RemainingSize = 0
		patch = ports.LifecyclePatch{Kind: "CLOSED_SL", At: now}
		eventType = events.TypePositionClosed

	case tp2Hit:
		updated.Status = model.StatusClosedTP
		updated.RemainingSize = 0
		patch = ports.LifecyclePatch{Kind: "CLOSED_TP", At: now}
		eventType = events.TypePositionClosed

	case tp1Hit:
		closedFraction := m.cfg.TP1SplitPct / 100
		updated.RemainingSize = pos.RemainingSize * (1 - closedFraction)
		updated.TP1Hit = true
		updated.Status = model.StatusTP1Partial
		breakeven := pos.Entry * (1 + dir*m.cfg.BreakevenOffsetPct/100)
		if dir*(breakeven-pos.SL) > 0 {
			updated.SL = breakeven
		}
		patch = ports.LifecyclePatch{Kind: "TP1_PARTIAL", NewSL: updated.SL, ClosedPct: m.cfg.TP1SplitPct, At: now}
		eventType = events.TypePositionPartial

	default:
		m.applyTrailing(&updated, price, regime, dir, now)
		if updated.SL != pos.SL {
			patch = ports.LifecyclePatch{Kind: "TRAILING", NewSL: updated.SL, At: now}
			eventType = events.TypePositionPartial
		}
	}

	if err := m.persistence.SavePosition(ctx, updated); err != nil {
		return pos, fmt.Errorf("lifecycle: save position: %w", err)
	}

	if eventType != "" {
		if m.bus != nil {
			m.bus.Publish(events.Event{Type: eventType, Data: updated})
		}
		m.dispatchPatch(ctx, updated, patch)
	}

	return updated, nil
}

// applyTrailing arms and advances the trailing stop in place. Mutates
// only HighWaterMark, TrailingActive, and SL.
func (m *Manager) applyTrailing(pos *model.Position, price float64, regime *model.RegimeSnapshot, dir float64, now time.Time) {
	profitPct := dir * (price - pos.Entry) / pos.Entry * 100
	if !pos.TrailingActive && profitPct >= m.cfg.ActivationMinProfitPct {
		pos.TrailingActive = true
		pos.HighWaterMark = price
	}
	if !pos.TrailingActive {
		return
	}

	if dir == 1 && price > pos.HighWaterMark {
		pos.HighWaterMark = price
	} else if dir == -1 && (pos.HighWaterMark == 0 || price < pos.HighWaterMark) {
		pos.HighWaterMark = price
	}

	trailDistance := m.cfg.KTrail * pos.ATR * regime.SLMult
	minDistance := m.cfg.MinTrailDistancePct / 100 * pos.HighWaterMark
	if minDistance > trailDistance {
		trailDistance = minDistance
	}
	maxDistance := m.cfg.MaxTrailDistancePct / 100 * pos.HighWaterMark
	if trailDistance > maxDistance {
		trailDistance = maxDistance
	}

	candidateSL := pos.HighWaterMark - dir*trailDistance
	if dir == 1 && candidateSL > pos.SL {
		pos.SL = candidateSL
	} else if dir == -1 && candidateSL < pos.SL {
		pos.SL = candidateSL
	}
}

// CloseManual forces a position to CLOSED_MANUAL from any non-terminal
// state, per an operator ControlPort request.
func (m *Manager) CloseManual(ctx context.Context, pos model.Position, now time.Time) (model.Position, error) {
	key := positionKey(pos.UserID, pos.SignalID)
	lk := m.lockFor(key)
	lk.Lock()
	defer lk.Unlock()

	if pos.Status.IsTerminal() {
		return pos, nil
	}
	updated := pos
	updated.Status = model.StatusClosedManual
	updated.RemainingSize = 0
	updated.LastUpdate = now

	if err := m.persistence.SavePosition(ctx, updated); err != nil {
		return pos, fmt.Errorf("lifecycle: save position: %w", err)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypePositionClosed, Data: updated})
	}
	m.dispatchPatch(ctx, updated, ports.LifecyclePatch{Kind: "CLOSED_MANUAL", At: now})
	return updated, nil
}

// dispatchPatch hands the patch to the notifier and logs a failure; it
// never rolls back the position transition, matching §4.10's failure
// semantics. The notifier itself (internal/notification.Dispatcher)
// retries the edit for its own budget and appends it to its dead-letter
// log if every channel still fails, so the one call made here is the
// lifecycle manager's only responsibility.
func (m *Manager) dispatchPatch(ctx context.Context, pos model.Position, patch ports.LifecyclePatch) {
	if m.notifier == nil || pos.MessageRef == "" {
		return
	}
	if err := m.notifier.Update(ctx, pos.MessageRef, patch); err != nil {
		m.logger.Warn().Err(err).Str("signal_id", pos.SignalID).Str("kind", patch.Kind).Msg("lifecycle patch dispatch failed")
	}
}
