// Package composite implements the Composite Signal Engine (C5): blends
// four sub-strategy scores into a single (score, confidence) pair,
// weighted by market regime and asset group, and derives confidence from
// the agreement entropy across the four scores.
package composite

import (
	"errors"
	"math"

	"futures-signal-core/internal/indicators"
	"futures-signal-core/internal/model"
)

// ErrInsufficientSignals is returned when fewer than three of the four
// sub-strategies could be evaluated.
var ErrInsufficientSignals = errors.New("composite: fewer than three strategies evaluable")

// Strategy names, used as map keys in the weight table.
const (
	StrategyTrend    = "trend_following"
	StrategyMeanRev  = "mean_reversion"
	StrategyBreakout = "breakout"
	StrategyVolume   = "volume_analysis"
)

// DefaultWeights is the engine's starting (regime, assetGroup)-agnostic
// weight table; the Adaptive Parameter Controller (C12) republishes
// per-regime weights that supersede this default.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		StrategyTrend:    0.35,
		StrategyMeanRev:  0.20,
		StrategyBreakout: 0.25,
		StrategyVolume:   0.20,
	}
}

// Result is the composite engine's output for one symbol in one tick.
type Result struct {
	Scores     map[string]float64
	Score      float64
	Confidence float64
	Bonus      float64
}

// Engine scores the four sub-strategies and combines them.
type Engine struct{}

// New creates a composite Engine.
func New() *Engine {
	return &Engine{}
}

// Evaluate computes the four sub-strategy scores from the candle
// snapshot and blends them with the given weight table (normally the
// current ParameterSnapshot's per-regime weights). Returns
// ErrInsufficientSignals if fewer than three strategies could be scored.
func (e *Engine) Evaluate(candles []model.Candle, weights map[string]float64) (Result, error) {
	scores := make(map[string]float64, 4)
	evaluable := 0

	if s, ok := trendScore(candles); ok {
		scores[StrategyTrend] = s
		evaluable++
	}
	if s, ok := meanReversionScore(candles); ok {
		scores[StrategyMeanRev] = s
		evaluable++
	}
	if s, ok := breakoutScore(candles); ok {
		scores[StrategyBreakout] = s
		evaluable++
	}
	if s, ok := volumeScore(candles); ok {
		scores[StrategyVolume] = s
		evaluable++
	}

	if evaluable < 3 {
		return Result{}, ErrInsufficientSignals
	}

	var composite float64
	var weightSum float64
	for name, s := range scores {
		w := weights[name]
		composite += w * s
		weightSum += w
	}
	if weightSum > 0 {
		composite /= weightSum
	}

	confidence := agreementConfidence(scores)
	bonus := clamp((composite-0.5)*5, -2.5, 2.5)

	return Result{Scores: scores, Score: composite, Confidence: confidence, Bonus: bonus}, nil
}

// trendScore maps EMA(12) vs EMA(50) separation to [0,1] via a logistic
// squash; 0.5 means no trend, approaching 1 means strong up-trend
// alignment (score is direction-agnostic magnitude of trend strength).
func trendScore(c []model.Candle) (float64, bool) {
	fast, err := indicators.EMA(c, 12)
	if err != nil {
		return 0, false
	}
	slow, err := indicators.EMA(c, 50)
	if err != nil {
		return 0, false
	}
	sep := (fast - slow) / slow
	return sigmoid(sep * 50), true
}

// meanReversionScore is high when RSI sits at an extreme (mean-reversion
// opportunity), low near 50.
func meanReversionScore(c []model.Candle) (float64, bool) {
	rsi, err := indicators.RSI(c, 14)
	if err != nil {
		return 0, false
	}
	dist := math.Abs(rsi-50) / 50
	return clamp(dist, 0, 1), true
}

// breakoutScore is high when the last close sits near or beyond the
// recent high/low range.
func breakoutScore(c []model.Candle) (float64, bool) {
	const lookback = 20
	if len(c) < lookback+1 {
		return 0, false
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
	last := c[len(c)-1].Close
	rng := hi - lo
	if rng <= 0 {
		return 0.5, true
	}
	pos := (last - lo) / rng
	// distance from the middle of the range maps to breakout strength
	return clamp(math.Abs(pos-0.5)*2, 0, 1), true
}

// volumeScore is high when recent volume exceeds its rolling mean.
func volumeScore(c []model.Candle) (float64, bool) {
	stats, err := indicators.RollingVolume(c[:len(c)-1], 20)
	if err != nil || stats.Mean == 0 {
		return 0, false
	}
	last := c[len(c)-1].Volume
	ratio := last / stats.Mean
	return clamp((ratio-0.5)/1.5, 0, 1), true
}

// agreementConfidence is 1 - entropy/maxEntropy of how the scores fall
// into len(scores) equal-width buckets over [0,1]: high when the
// sub-strategies agree (scores share a bucket), low when they disagree.
func agreementConfidence(scores map[string]float64) float64 {
	n := float64(len(scores))
	if n == 0 {
		return 0
	}
	counts := make(map[int]float64)
	for _, s := range scores {
		counts[int(math.Min(clamp(s, 0, 1)*n, n-1))]++
	}
	var entropy float64
	for _, k := range counts {
		p := k / n
		entropy -= p * math.Log(p)
	}
	maxEntropy := math.Log(n)
	if maxEntropy == 0 {
		return 1
	}
	return clamp(1-entropy/maxEntropy, 0, 1)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
