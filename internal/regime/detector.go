// Package regime implements the Market Regime Detector (C3): classifies
// BTC candles into one of five coarse states and exposes the deterministic
// sizing/SL/TP/threshold multiplier table for that state. Results are
// cached per tick keyed by the most recent BTC candle timestamp and read
// by every other component through an atomic pointer swap.
package regime

import (
	"errors"
	"sync/atomic"
	"time"

	"futures-signal-core/internal/indicators"
	"futures-signal-core/internal/model"
)

// ErrInsufficientData mirrors the indicator kernel's warm-up error for
// callers that only interact with this package.
var ErrInsufficientData = errors.New("regime: insufficient data")

// Thresholds holds the detector's configurable decision thresholds
// (§4.3).
type Thresholds struct {
	CrashDrawdownPct  float64
	TrendSlopeEpsilon float64
	LowVolThreshold   float64
}

// multiplierTable is the deterministic regime -> multiplier mapping
// (§4.3 table). Never mutated at runtime.
var multiplierTable = map[model.Regime]struct {
	sizeMult, slMult, tpMult, thresholdMult float64
}{
	model.BullTrend:    {1.4, 0.8, 1.5, 0.9},
	model.BearTrend:    {0.6, 1.3, 0.9, 1.15},
	model.HighVolRange: {0.9, 1.2, 1.0, 1.0},
	model.LowVolRange:  {1.0, 1.0, 1.0, 1.0},
	model.Crash:        {0.2, 1.5, 0.7, 1.5},
}

// Detector computes and publishes RegimeSnapshots. Safe for concurrent
// use: Current returns the latest published snapshot via atomic pointer
// load, independent of any in-flight Compute call.
type Detector struct {
	thresholds Thresholds
	current    atomic.Pointer[model.RegimeSnapshot]
	lastCandleT atomic.Int64
}

// New creates a Detector with the given thresholds.
func New(t Thresholds) *Detector {
	return &Detector{thresholds: t}
}

// Current returns the most recently published snapshot, or nil if
// Compute has never succeeded.
func (d *Detector) Current() *model.RegimeSnapshot {
	return d.current.Load()
}

// Compute classifies the regime from BTC 1h candles (at least 51 for the
// EMA(50) slope; realized vol uses the last 25 candles and the drawdown
// high the last 168, each clipped to the history available) and publishes a new RegimeSnapshot if the latest candle
// timestamp advanced since the last call; otherwise returns the cached
// snapshot unchanged (at most once per tick, keyed by candle t).
func (d *Detector) Compute(btc1h []model.Candle) (*model.RegimeSnapshot, error) {
	if len(btc1h) == 0 {
		return nil, ErrInsufficientData
	}
	last := btc1h[len(btc1h)-1]
	if cached := d.current.Load(); cached != nil && d.lastCandleT.Load() == last.T.Unix() {
		return cached, nil
	}

	if len(btc1h) < 51 {
		return nil, ErrInsufficientData
	}

	ema50Now, err := indicators.EMA(btc1h, 50)
	if err != nil {
		return nil, err
	}
	ema50Prev, err := indicators.EMA(btc1h[:len(btc1h)-1], 50)
	if err != nil {
		return nil, err
	}
	slope := (ema50Now - ema50Prev) / ema50Prev

	volWindow := btc1h
	if len(volWindow) > 25 {
		volWindow = volWindow[len(volWindow)-25:]
	}
	vol, err := indicators.RealizedVolatility(volWindow)
	if err != nil {
		return nil, err
	}

	sevenDayHigh := last.High
	lookback := 24 * 7
	start := len(btc1h) - lookback
	if start < 0 {
		start = 0
	}
	for _, c := range btc1h[start:] {
		if c.High > sevenDayHigh {
			sevenDayHigh = c.High
		}
	}
	drawdownPct := (sevenDayHigh - last.Close) / sevenDayHigh * 100

	reg, confidence := classify(slope, vol, drawdownPct, d.thresholds)
	mult := multiplierTable[reg]

	snap := &model.RegimeSnapshot{
		Regime:           reg,
		Confidence:       confidence,
		PositionSizeMult: mult.sizeMult,
		SLMult:           mult.slMult,
		TPMult:           mult.tpMult,
		ThresholdMult:    mult.thresholdMult,
		AsOf:             last.T,
	}
	d.current.Store(snap)
	d.lastCandleT.Store(last.T.Unix())
	return snap, nil
}

// classify applies the §4.3 decision rule and derives a confidence score
// as the margin above the relevant decision threshold, clamped to [0,1].
func classify(slope, vol, drawdownPct float64, th Thresholds) (model.Regime, float64) {
	if drawdownPct > th.CrashDrawdownPct {
		margin := (drawdownPct - th.CrashDrawdownPct) / th.CrashDrawdownPct
		return model.Crash, clamp01(0.5+margin)
	}
	flat := absf(slope) < th.TrendSlopeEpsilon
	if flat && vol < th.LowVolThreshold {
		margin := (th.LowVolThreshold - vol) / th.LowVolThreshold
		return model.LowVolRange, clamp01(0.5+margin)
	}
	if flat && vol >= th.LowVolThreshold {
		margin := (vol - th.LowVolThreshold) / th.LowVolThreshold
		return model.HighVolRange, clamp01(0.5+margin)
	}
	if slope > 0 {
		margin := (slope - th.TrendSlopeEpsilon) / th.TrendSlopeEpsilon
		return model.BullTrend, clamp01(0.5+margin)
	}
	margin := (-slope - th.TrendSlopeEpsilon) / th.TrendSlopeEpsilon
	return model.BearTrend, clamp01(0.5 + margin)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Stale reports whether the snapshot is older than the given max age —
// used by the orchestrator to decide whether a tick must block on a
// fresh Compute call.
func Stale(s *model.RegimeSnapshot, now time.Time, maxAge time.Duration) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.AsOf) > maxAge
}
