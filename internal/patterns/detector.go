// Package patterns implements the Pattern Detectors (C4): a fixed-order
// table of pure detectors, each taking a candle snapshot and returning at
// most one SignalCandidate. Detectors are registered as a uniform
// Detector variant rather than dispatched through a name-keyed map, per
// the engine's no-duck-typing convention.
package patterns

import (
	"futures-signal-core/internal/indicators"
	"futures-signal-core/internal/model"
)

// Detector is the uniform operation every pattern variant implements.
// Evaluate returns (candidate, true) on a hit, or (zero, false) when the
// detector has nothing to say about this snapshot.
type Detector interface {
	Name() string
	Evaluate(symbol string, candles []model.Candle) (model.SignalCandidate, bool)
}

// SelectionMode controls how the pipeline picks among multiple non-empty
// candidates in one tick (§4.4 Open Question).
type SelectionMode string

const (
	// FirstMatch returns the first detector (in registration order) that
	// produces a candidate.
	FirstMatch SelectionMode = "first_match"
	// HighestScore evaluates every detector and returns the candidate
	// with the highest RawScore. This is the engine's default.
	HighestScore SelectionMode = "highest_score"
)

// Table is the ordered, fixed registration of pattern detectors.
type Table struct {
	detectors []Detector
	mode      SelectionMode
}

// NewTable builds the default detector table in the engine's fixed
// evaluation order: classic EMA cross, alt-1 (RSI+MACD confirmation),
// alt-2 (Bollinger mean-reversion confirmation), breakout, mean-revert.
func NewTable(mode SelectionMode) *Table {
	if mode == "" {
		mode = HighestScore
	}
	return &Table{
		mode: mode,
		detectors: []Detector{
			classicEMACross{},
			alt1RSIMACDConfirm{},
			alt2BollingerConfirm{},
			breakout{},
			meanRevert{},
		},
	}
}

// Evaluate runs every detector against the snapshot and returns the
// selected candidate per the table's SelectionMode, or false if no
// detector produced one.
func (t *Table) Evaluate(symbol string, candles []model.Candle) (model.SignalCandidate, bool) {
	var best model.SignalCandidate
	found := false
	for _, d := range t.detectors {
		cand, ok := d.Evaluate(symbol, candles)
		if !ok {
			continue
		}
		if t.mode == FirstMatch {
			return cand, true
		}
		if !found || cand.RawScore > best.RawScore {
			best = cand
			found = true
		}
	}
	return best, found
}

// ---- classic EMA cross ----

type classicEMACross struct{}

func (classicEMACross) Name() string { return "classic_ema_cross" }

func (classicEMACross) Evaluate(symbol string, c []model.Candle) (model.SignalCandidate, bool) {
	fast, err := indicators.EMA(c, 12)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	slow, err := indicators.EMA(c, 26)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	prevWindow := c[:len(c)-1]
	fastPrev, err := indicators.EMA(prevWindow, 12)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	slowPrev, err := indicators.EMA(prevWindow, 26)
	if err != nil {
		return model.SignalCandidate{}, false
	}

	crossedUp := fastPrev <= slowPrev && fast > slow
	crossedDown := fastPrev >= slowPrev && fast < slow
	if !crossedUp && !crossedDown {
		return model.SignalCandidate{}, false
	}

	side := model.Long
	score := 60.0
	if crossedDown {
		side = model.Short
	}
	sep := absPct(fast, slow)
	score += sep * 100
	return candidateFrom(symbol, side, c, "classic_ema_cross", clampScore(score)), true
}

// ---- alt-1: RSI + MACD confirmation ----

type alt1RSIMACDConfirm struct{}

func (alt1RSIMACDConfirm) Name() string { return "alt1_rsi_macd" }

func (alt1RSIMACDConfirm) Evaluate(symbol string, c []model.Candle) (model.SignalCandidate, bool) {
	rsi, err := indicators.RSI(c, 14)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	macd, err := indicators.MACD(c, 12, 26, 9)
	if err != nil {
		return model.SignalCandidate{}, false
	}

	switch {
	case rsi < 35 && macd.Histogram > 0:
		return candidateFrom(symbol, model.Long, c, "alt1_rsi_macd", clampScore(50+(35-rsi))), true
	case rsi > 65 && macd.Histogram < 0:
		return candidateFrom(symbol, model.Short, c, "alt1_rsi_macd", clampScore(50+(rsi-65))), true
	default:
		return model.SignalCandidate{}, false
	}
}

// ---- alt-2: Bollinger mean-reversion confirmation ----

type alt2BollingerConfirm struct{}

func (alt2BollingerConfirm) Name() string { return "alt2_bollinger" }

func (alt2BollingerConfirm) Evaluate(symbol string, c []model.Candle) (model.SignalCandidate, bool) {
	bb, err := indicators.Bollinger(c, 20, 2)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	last := c[len(c)-1].Close
	switch {
	case last <= bb.Lower:
		score := clampScore(50 + (bb.Lower-last)/bb.Lower*1000)
		return candidateFrom(symbol, model.Long, c, "alt2_bollinger", score), true
	case last >= bb.Upper:
		score := clampScore(50 + (last-bb.Upper)/bb.Upper*1000)
		return candidateFrom(symbol, model.Short, c, "alt2_bollinger", score), true
	default:
		return model.SignalCandidate{}, false
	}
}

// ---- breakout ----

type breakout struct{}

func (breakout) Name() string { return "breakout" }

func (breakout) Evaluate(symbol string, c []model.Candle) (model.SignalCandidate, bool) {
	const lookback = 20
	if len(c) < lookback+1 {
		return model.SignalCandidate{}, false
	}
	window := c[len(c)-lookback-1 : len(c)-1]
	hi, lo := window[0].High, window[0].Low
	for _, k := range window {
		if k.High > hi {
			hi = k.High
		}
		if k.Low < lo {
			lo = k.Low
		}
	}
	last := c[len(c)-1]
	vol, err := indicators.RollingVolume(c[:len(c)-1], lookback)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	volumeConfirmed := last.Volume > vol.Mean*1.2

	switch {
	case last.Close > hi && volumeConfirmed:
		return candidateFrom(symbol, model.Long, c, "breakout", clampScore(65+(last.Close-hi)/hi*1000)), true
	case last.Close < lo && volumeConfirmed:
		return candidateFrom(symbol, model.Short, c, "breakout", clampScore(65+(lo-last.Close)/lo*1000)), true
	default:
		return model.SignalCandidate{}, false
	}
}

// ---- mean-revert ----

type meanRevert struct{}

func (meanRevert) Name() string { return "mean_revert" }

func (meanRevert) Evaluate(symbol string, c []model.Candle) (model.SignalCandidate, bool) {
	sma, err := indicators.SMA(c, 20)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	rsi, err := indicators.RSI(c, 14)
	if err != nil {
		return model.SignalCandidate{}, false
	}
	last := c[len(c)-1].Close
	deviationPct := (last - sma) / sma * 100

	switch {
	case deviationPct < -2 && rsi < 40:
		return candidateFrom(symbol, model.Long, c, "mean_revert", clampScore(50+(-deviationPct)*5)), true
	case deviationPct > 2 && rsi > 60:
		return candidateFrom(symbol, model.Short, c, "mean_revert", clampScore(50+deviationPct*5)), true
	default:
		return model.SignalCandidate{}, false
	}
}

// ---- shared helpers ----

func candidateFrom(symbol string, side model.Side, c []model.Candle, patternType string, score float64) model.SignalCandidate {
	last := c[len(c)-1]
	atr, _ := indicators.ATR(c, 14)
	vol, _ := indicators.RealizedVolatility(c)
	return model.SignalCandidate{
		Symbol:            symbol,
		Side:              side,
		Entry:             last.Close,
		PatternType:       patternType,
		RawScore:          score,
		PatternConfidence: patternConfidenceFromScore(score),
		ATR:               atr,
		VolatilityPct:     vol * 100,
		Timestamp:         last.T,
	}
}

// patternConfidenceFromScore maps a detector's RawScore (clamped to
// [0,100], with 50 the weakest qualifying signal for most detectors)
// onto a [0,1] confidence: a bare-minimum score carries low confidence,
// a maxed-out score carries full confidence.
func patternConfidenceFromScore(score float64) float64 {
	c := (score - 50) / 50
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func absPct(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	d := (a - b) / b
	if d < 0 {
		return -d
	}
	return d
}
