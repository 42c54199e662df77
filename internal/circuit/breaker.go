// Package circuit implements the engine's Fatal-class trading halt: a
// circuit breaker that trips on consecutive losses, hourly/daily loss
// limits, or trade-rate limits, and stays open through a cooldown before
// probing recovery in half-open state. The scheduler consults CanTrade
// before emitting a signal; New subscribes the breaker to position-closed
// events on the bus, and each such event is fed in via RecordTrade.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"futures-signal-core/internal/events"
	"futures-signal-core/internal/model"
)

// State is the breaker's current posture.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // trading halted
	StateHalfOpen State = "half_open" // probing recovery
)

// Config holds the breaker's trip thresholds.
type Config struct {
	Enabled              bool
	MaxLossPerHourPct    float64
	MaxConsecutiveLosses int
	CooldownMinutes      int
	MaxTradesPerMinute   int
	MaxDailyLossPct      float64
	MaxDailyTrades       int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxLossPerHourPct:    3.0,
		MaxConsecutiveLosses: 5,
		CooldownMinutes:      30,
		MaxTradesPerMinute:   10,
		MaxDailyLossPct:      5.0,
		MaxDailyTrades:       100,
	}
}

// Breaker is the Fatal-class halt. One instance guards the whole
// engine; it is not per-symbol or per-user.
type Breaker struct {
	cfg Config
	bus *events.Bus

	mu                sync.RWMutex
	state             State
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	lastTripTime      time.Time
	tripReason        string
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	minuteResetTime   time.Time
}

// New builds a Breaker, subscribes it to closed-position events on bus
// so RecordTrade runs automatically, and returns it ready to guard
// CanTrade.
func New(cfg Config, bus *events.Bus) *Breaker {
	now := time.Now()
	b := &Breaker{
		cfg:             cfg,
		bus:             bus,
		state:           StateClosed,
		hourlyResetTime: now.Add(time.Hour),
		dailyResetTime:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		minuteResetTime: now.Add(time.Minute),
	}
	if bus != nil {
		bus.Subscribe(events.TypePositionClosed, b.onPositionClosed)
	}
	return b
}

func (b *Breaker) onPositionClosed(e events.Event) {
	pos, ok := e.Data.(model.Position)
	if !ok {
		return
	}
	b.RecordTrade(closedPositionPnLPct(pos))
}

// closedPositionPnLPct approximates the realized PnL% from the closing
// status's stop/target level, the same approximation the outcome
// recorder uses to build a TradeResult.
func closedPositionPnLPct(pos model.Position) float64 {
	var exitPrice float64
	switch pos.Status {
	case model.StatusClosedTP:
		exitPrice = pos.TP2
	default:
		exitPrice = pos.SL
	}
	if pos.Entry == 0 {
		return 0
	}
	dir := 1.0
	if pos.Side == model.Short {
		dir = -1.0
	}
	return dir * (exitPrice - pos.Entry) / pos.Entry * 100
}

// CanTrade reports whether the scheduler may emit a new signal.
func (b *Breaker) CanTrade() (bool, string) {
	if !b.cfg.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetCountersIfNeeded()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		cooldown := time.Duration(b.cfg.CooldownMinutes) * time.Minute
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit open, cooldown remaining %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
	}

	if b.hourlyLoss >= b.cfg.MaxLossPerHourPct {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%", b.hourlyLoss, b.cfg.MaxLossPerHourPct)
	}
	if b.dailyLoss >= b.cfg.MaxDailyLossPct {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%", b.dailyLoss, b.cfg.MaxDailyLossPct)
	}
	if b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", b.consecutiveLosses)
	}
	if b.tradesLastMinute >= b.cfg.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", b.tradesLastMinute)
	}
	if b.dailyTrades >= b.cfg.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d trades", b.dailyTrades)
	}
	return true, ""
}

// RecordTrade folds a closed trade's PnL% into the breaker's rolling
// counters and trips if any threshold is now exceeded.
func (b *Breaker) RecordTrade(pnlPct float64) {
	if !b.cfg.Enabled || math.IsNaN(pnlPct) || math.IsInf(pnlPct, 0) {
		return
	}

	b.mu.Lock()
	b.resetCountersIfNeeded()
	b.tradesLastMinute++
	b.dailyTrades++

	var recovered bool
	if pnlPct < 0 {
		b.consecutiveLosses++
		b.hourlyLoss += -pnlPct
		b.dailyLoss += -pnlPct
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			recovered = true
		}
	}
	b.checkAndTrip()
	b.mu.Unlock()

	if recovered && b.bus != nil {
		b.bus.Publish(events.Event{Type: events.TypeRegimeChanged, Data: BreakerStatus{State: StateClosed, Reason: "recovered_after_cooldown"}})
	}
}

// checkAndTrip trips the breaker if a threshold is exceeded. Caller
// must hold mu.
func (b *Breaker) checkAndTrip() {
	var reason string
	switch {
	case b.consecutiveLosses >= b.cfg.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	case b.hourlyLoss >= b.cfg.MaxLossPerHourPct:
		reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLoss)
	case b.dailyLoss >= b.cfg.MaxDailyLossPct:
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	}
	if reason == "" {
		return
	}
	b.state = StateOpen
	b.lastTripTime = time.Now()
	b.tripReason = reason
	if b.bus != nil {
		status := BreakerStatus{
			State: StateOpen, Reason: reason,
			ConsecutiveLosses: b.consecutiveLosses, HourlyLossPct: b.hourlyLoss, DailyLossPct: b.dailyLoss,
			TrippedAt: b.lastTripTime,
		}
		go b.bus.Publish(events.Event{Type: events.TypeRegimeChanged, Data: status})
	}
}

func (b *Breaker) resetCountersIfNeeded() {
	now := time.Now()
	if now.After(b.minuteResetTime) {
		b.tradesLastMinute = 0
		b.minuteResetTime = now.Add(time.Minute)
	}
	if now.After(b.hourlyResetTime) {
		b.hourlyLoss = 0
		b.hourlyResetTime = now.Add(time.Hour)
	}
	if now.After(b.dailyResetTime) {
		b.dailyLoss = 0
		b.dailyTrades = 0
		b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset clears a tripped breaker manually, returning it to closed and
// zeroing the consecutive-loss count.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.TypeRegimeChanged, Data: BreakerStatus{State: StateClosed, Reason: "manual_reset"}})
	}
}

// Status returns a snapshot of the breaker's current counters for the
// admin surface.
func (b *Breaker) Status() BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerStatus{
		State: b.state, Reason: b.tripReason,
		ConsecutiveLosses: b.consecutiveLosses, HourlyLossPct: b.hourlyLoss, DailyLossPct: b.dailyLoss,
		TradesLastMinute: b.tradesLastMinute, DailyTrades: b.dailyTrades, TrippedAt: b.lastTripTime,
	}
}

// BreakerStatus is the breaker's state as published on the event bus
// and reported to the control surface.
type BreakerStatus struct {
	State             State
	Reason            string
	ConsecutiveLosses int
	HourlyLossPct     float64
	DailyLossPct      float64
	TradesLastMinute  int
	DailyTrades       int
	TrippedAt         time.Time
}
